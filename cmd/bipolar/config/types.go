// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"sort"
)

// FileName is the experiment config file looked up at the repository root.
const FileName = "bipolar.toml"

// Strategy kinds.
const (
	StrategyProxy  = "Proxy"
	StrategyRandom = "Random"
)

// ExperimentConfig is the top-level experiment definition.
//
// # Description
//
// Describes the control revision, the treatments layered on top of it,
// how shards are split between treatments, and the hooks that build and
// run each shard. Loaded from bipolar.toml (or a YAML equivalent).
//
// # Thread Safety
//
// Not safe for concurrent mutation. Treat as read-only after Load.
type ExperimentConfig struct {
	Name        string            `toml:"name" yaml:"name" validate:"required"`
	Repo        string            `toml:"repo" yaml:"repo" validate:"required"`
	Base        string            `toml:"base" yaml:"base" validate:"required"`
	ShardCount  int               `toml:"shard_count" yaml:"shard_count" validate:"gte=1"`
	MinMax      ShardRange        `toml:"minmax" yaml:"minmax"`
	Treatments  []TreatmentSpec   `toml:"treatments" yaml:"treatments" validate:"dive"`
	Assignment  Assignment        `toml:"assignment" yaml:"assignment"`
	Hooks       Hooks             `toml:"hooks" yaml:"hooks"`
	Templating  *Templating       `toml:"templating,omitempty" yaml:"templating,omitempty"`
	Symlinks    *Symlinks         `toml:"symlinks,omitempty" yaml:"symlinks,omitempty"`
	Environment map[string]string `toml:"environment,omitempty" yaml:"environment,omitempty"`
}

// ShardRange is the half-open window [min, max) of shard ids this
// instance materializes.
type ShardRange [2]int

// Min returns the inclusive lower bound.
func (r ShardRange) Min() int { return r[0] }

// Max returns the exclusive upper bound.
func (r ShardRange) Max() int { return r[1] }

// Len returns the number of shard ids in the window.
func (r ShardRange) Len() int {
	if r[1] < r[0] {
		return 0
	}
	return r[1] - r[0]
}

// Contains reports whether id falls inside [min, max).
func (r ShardRange) Contains(id int) bool { return id >= r[0] && id < r[1] }

// IDs returns every shard id in the window in ascending order.
func (r ShardRange) IDs() []int {
	ids := make([]int, 0, r.Len())
	for id := r[0]; id < r[1]; id++ {
		ids = append(ids, id)
	}
	return ids
}

func (r ShardRange) String() string { return fmt.Sprintf("[%d, %d)", r[0], r[1]) }

// Assignment maps treatment names to split percentages and picks the
// ordering strategy.
type Assignment struct {
	Split    map[string]int `toml:"split" yaml:"split" validate:"dive,gte=0,lte=100"`
	Strategy Strategy       `toml:"strategy" yaml:"strategy"`
}

// SplitFor returns the split percentage for a treatment, and whether one
// is configured.
func (a Assignment) SplitFor(name string) (int, bool) {
	pct, ok := a.Split[name]
	return pct, ok
}

// SplitNames returns the split keys in sorted order.
func (a Assignment) SplitNames() []string {
	names := make([]string, 0, len(a.Split))
	for name := range a.Split {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy.
func (a Assignment) Clone() Assignment {
	split := make(map[string]int, len(a.Split))
	for k, v := range a.Split {
		split[k] = v
	}
	return Assignment{Split: split, Strategy: a.Strategy}
}

// Strategy selects how shard ids are ordered per treatment.
//
// Proxy keeps the identity order over the instance's window. Random
// shuffles the full shard space with Seed.
type Strategy struct {
	Type string `toml:"type" yaml:"type" validate:"required,oneof=Proxy Random"`
	Seed uint64 `toml:"seed" yaml:"seed"`
}

// IsRandom reports whether the strategy shuffles.
func (s Strategy) IsRandom() bool { return s.Type == StrategyRandom }

// Hooks are shell command strings run at fixed points.
type Hooks struct {
	ControlBuild string `toml:"control_build,omitempty" yaml:"control_build,omitempty"`
	Build        string `toml:"build,omitempty" yaml:"build,omitempty"`
	Run          string `toml:"run,omitempty" yaml:"run,omitempty"`
}

// Templating renders a directory of templates into every shard.
type Templating struct {
	Path   string            `toml:"path" yaml:"path" validate:"required"`
	Config map[string]string `toml:"config,omitempty" yaml:"config,omitempty"`
}

// Symlinks links shared, untracked paths into every shard.
//
// Each entry of Paths becomes shard/<path> -> <Source>/<path>. An empty
// Paths links every top-level entry of Source.
type Symlinks struct {
	Source string   `toml:"source" yaml:"source" validate:"required"`
	Paths  []string `toml:"paths,omitempty" yaml:"paths,omitempty"`
}

// DefaultConfig returns the config written by init before any
// repository-derived values are filled in.
func DefaultConfig() ExperimentConfig {
	return ExperimentConfig{
		ShardCount: 1,
		MinMax:     ShardRange{0, 0},
		Treatments: []TreatmentSpec{},
		Assignment: Assignment{
			Split:    map[string]int{},
			Strategy: Strategy{Type: StrategyRandom, Seed: 0},
		},
	}
}
