// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package assign decides which shards receive which treatment.
//
// # Description
//
// The ordering for a treatment is a pure function of (seed, name,
// shard_count). Incremental builds depend on that: the build resumes a
// treatment by skipping the number of shards it already applied, which
// only works if the permutation never changes between builds.
//
// # Thread Safety
//
// All functions are pure and safe for concurrent use.
package assign

import (
	"math"

	"github.com/AleutianAI/bipolar/cmd/bipolar/config"
)

// Order returns a deterministic permutation of [0, n) for a treatment.
//
// # Description
//
// Seeds a SHA-256 counter-mode generator with SHA-256(le64(seed) || name)
// and runs a Fisher–Yates shuffle from the last index down. Identical
// inputs always produce identical output; different names produce
// independent orders for the same seed.
//
// # Inputs
//
//   - seed: The experiment's random seed.
//   - name: The treatment name.
//   - n: Size of the shard space. n <= 0 yields an empty slice.
//
// # Outputs
//
//   - []int: A permutation of [0, n).
func Order(seed uint64, name string, n int) []int {
	if n <= 0 {
		return []int{}
	}
	ids := make([]int, n)
	for i := range ids {
		ids[i] = i
	}
	g := newGenerator(seed, name)
	for i := n - 1; i > 0; i-- {
		j := int(g.below(uint64(i + 1)))
		ids[i], ids[j] = ids[j], ids[i]
	}
	return ids
}

// ProxyOrder returns the identity order over [min, max).
func ProxyOrder(r config.ShardRange) []int {
	return r.IDs()
}

// ResolveCount returns round(length * pct / 100), rounding halves away
// from zero. Percentages are clamped to [0, 100].
func ResolveCount(length, pct int) int {
	switch {
	case pct <= 0 || length <= 0:
		return 0
	case pct >= 100:
		return length
	}
	return int(math.Round(float64(length) * float64(pct) / 100))
}

// Plan is the resolved assignment for one treatment.
type Plan struct {
	// Treatment is the treatment name.
	Treatment string

	// Order is the full ordering of candidate shard ids.
	Order []int

	// Count is how many ids from the front of Order receive the treatment.
	Count int
}

// Selected returns the first Count ids of Order.
func (p Plan) Selected() []int {
	return p.Order[:p.Count]
}

// Due returns the selected ids that remain after skipping the first
// alreadyApplied of them.
func (p Plan) Due(alreadyApplied int) []int {
	if alreadyApplied >= p.Count {
		return []int{}
	}
	if alreadyApplied < 0 {
		alreadyApplied = 0
	}
	return p.Order[alreadyApplied:p.Count]
}

// Pending returns the ids Due still owes the window: the selected ids
// after skipping len(applied) of them, minus ids already in applied and
// ids outside window. Membership filtering keeps a shard that was
// counted but skipped earlier from being treated twice.
func (p Plan) Pending(applied []int, window config.ShardRange) []int {
	seen := make(map[int]bool, len(applied))
	for _, id := range applied {
		seen[id] = true
	}
	pending := []int{}
	for _, id := range p.Due(len(applied)) {
		if seen[id] || !window.Contains(id) {
			continue
		}
		pending = append(pending, id)
	}
	return pending
}

// PlanFor resolves the ordering and count for a treatment.
//
// # Description
//
// Random strategies order the full shard space [0, shardCount) so the
// order stays stable when minmax covers only part of a larger fleet.
// Proxy strategies use the identity order over minmax.
//
// # Outputs
//
//   - Plan: The resolved plan.
//   - bool: False when no split is configured for the treatment. Callers
//     skip the treatment and surface a warning.
func PlanFor(a config.Assignment, name string, shardCount int, minmax config.ShardRange) (Plan, bool) {
	pct, ok := a.SplitFor(name)
	if !ok {
		return Plan{Treatment: name}, false
	}
	var order []int
	if a.Strategy.IsRandom() {
		order = Order(a.Strategy.Seed, name, shardCount)
	} else {
		order = ProxyOrder(minmax)
	}
	return Plan{
		Treatment: name,
		Order:     order,
		Count:     ResolveCount(len(order), pct),
	}, true
}
