// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package assign

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/bipolar/cmd/bipolar/config"
)

func randomAssignment(seed uint64, split map[string]int) config.Assignment {
	return config.Assignment{
		Split:    split,
		Strategy: config.Strategy{Type: config.StrategyRandom, Seed: seed},
	}
}

func TestOrder_KnownValues(t *testing.T) {
	tests := []struct {
		seed uint64
		name string
		n    int
		want []int
	}{
		{42, "A", 10, []int{8, 9, 7, 0, 1, 6, 4, 5, 3, 2}},
		{42, "B", 10, []int{9, 3, 0, 2, 8, 7, 1, 6, 4, 5}},
		{0, "A", 10, []int{1, 6, 3, 2, 9, 4, 5, 0, 8, 7}},
		{7, "feature", 5, []int{3, 2, 0, 1, 4}},
		{42, "A", 1, []int{0}},
		{42, "A", 0, []int{}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Order(tt.seed, tt.name, tt.n), "Order(%d, %q, %d)", tt.seed, tt.name, tt.n)
	}
}

func TestOrder_IsPermutation(t *testing.T) {
	for _, n := range []int{1, 2, 3, 10, 64, 257} {
		for _, name := range []string{"A", "control-ish", "ünïcode"} {
			got := Order(99, name, n)
			require.Len(t, got, n)
			sorted := append([]int(nil), got...)
			sort.Ints(sorted)
			for i, v := range sorted {
				require.Equal(t, i, v, "n=%d name=%q is not a permutation", n, name)
			}
		}
	}
}

func TestOrder_Deterministic(t *testing.T) {
	first := Order(1234, "treatment", 100)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, Order(1234, "treatment", 100))
	}
}

func TestOrder_NamesIndependent(t *testing.T) {
	assert.NotEqual(t, Order(42, "A", 100), Order(42, "B", 100))
	assert.NotEqual(t, Order(42, "A", 100), Order(43, "A", 100))
}

func TestResolveCount(t *testing.T) {
	tests := []struct {
		length, pct, want int
	}{
		{10, 0, 0},
		{10, 100, 10},
		{10, 50, 5},
		{3, 50, 2},
		{5, 10, 1},
		{7, 30, 2},
		{7, 35, 2},
		{0, 50, 0},
		{10, -5, 0},
		{10, 150, 10},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ResolveCount(tt.length, tt.pct), "ResolveCount(%d, %d)", tt.length, tt.pct)
	}
}

func TestPlanFor_Seed42HalfSplit(t *testing.T) {
	a := randomAssignment(42, map[string]int{"A": 50})

	plan, ok := PlanFor(a, "A", 10, config.ShardRange{0, 10})
	require.True(t, ok)
	assert.Equal(t, 5, plan.Count)
	assert.Equal(t, []int{8, 9, 7, 0, 1}, plan.Selected())
}

func TestPlanFor_MissingSplit(t *testing.T) {
	a := randomAssignment(42, map[string]int{"A": 50})

	_, ok := PlanFor(a, "B", 10, config.ShardRange{0, 10})
	assert.False(t, ok)
}

func TestPlanFor_ProxyUsesWindow(t *testing.T) {
	a := config.Assignment{
		Split:    map[string]int{"A": 50},
		Strategy: config.Strategy{Type: config.StrategyProxy},
	}

	plan, ok := PlanFor(a, "A", 10, config.ShardRange{4, 8})
	require.True(t, ok)
	assert.Equal(t, []int{4, 5, 6, 7}, plan.Order)
	assert.Equal(t, []int{4, 5}, plan.Selected())
}

func TestPlanFor_SubRangeKeepsFullOrder(t *testing.T) {
	a := randomAssignment(42, map[string]int{"A": 50})

	plan, ok := PlanFor(a, "A", 10, config.ShardRange{0, 5})
	require.True(t, ok)
	assert.Equal(t, Order(42, "A", 10), plan.Order)
}

func TestPlan_Due(t *testing.T) {
	a := randomAssignment(42, map[string]int{"A": 60})
	plan, _ := PlanFor(a, "A", 10, config.ShardRange{0, 10})

	assert.Equal(t, []int{8, 9, 7, 0, 1, 6}, plan.Due(0))
	assert.Equal(t, []int{0, 1, 6}, plan.Due(3))
	assert.Empty(t, plan.Due(6))
	assert.Empty(t, plan.Due(9))
}

func TestPlan_Pending(t *testing.T) {
	a := randomAssignment(42, map[string]int{"A": 60})
	plan, _ := PlanFor(a, "A", 10, config.ShardRange{0, 10})

	tests := []struct {
		name    string
		applied []int
		window  config.ShardRange
		want    []int
	}{
		{"fresh full window", nil, config.ShardRange{0, 10}, []int{8, 9, 7, 0, 1, 6}},
		{"grown from thirty percent", []int{8, 9, 7}, config.ShardRange{0, 10}, []int{0, 1, 6}},
		{"fresh partial window", nil, config.ShardRange{0, 5}, []int{0, 1}},
		{"partial window already done", []int{0, 1}, config.ShardRange{0, 5}, []int{}},
		{"fully applied", []int{8, 9, 7, 0, 1, 6}, config.ShardRange{0, 10}, []int{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, plan.Pending(tt.applied, tt.window))
		})
	}
}
