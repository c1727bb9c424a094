// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lockfile records what a build has done to the shards.
//
// # Description
//
// The lockfile persists the assignment inputs of the last successful
// build together with the shard ids each treatment was applied to. A
// later build compares it with the current config: if only split
// percentages grew, the existing shards are reused and only the new
// work is done; anything else rebuilds from scratch.
package lockfile

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/AleutianAI/bipolar/cmd/bipolar/config"
)

// LockFile is the persisted build state.
type LockFile struct {
	Base       string            `toml:"base"`
	Repo       string            `toml:"repo"`
	ShardCount int               `toml:"shard_count"`
	MinMax     config.ShardRange `toml:"minmax"`
	Assignment config.Assignment `toml:"assignment"`
	Applied    map[string][]int  `toml:"applied"`
}

// FromConfig derives the desired lockfile for cfg with nothing applied.
func FromConfig(cfg *config.ExperimentConfig) *LockFile {
	return &LockFile{
		Base:       cfg.Base,
		Repo:       cfg.Repo,
		ShardCount: cfg.ShardCount,
		MinMax:     cfg.MinMax,
		Assignment: cfg.Assignment.Clone(),
		Applied:    map[string][]int{},
	}
}

// AppliedTo returns the ids treatment name has been applied to.
func (l *LockFile) AppliedTo(name string) []int {
	return l.Applied[name]
}

// Record appends ids to the applied list of treatment name.
func (l *LockFile) Record(name string, ids ...int) {
	if l.Applied == nil {
		l.Applied = map[string][]int{}
	}
	if len(ids) == 0 {
		if _, ok := l.Applied[name]; !ok {
			l.Applied[name] = []int{}
		}
		return
	}
	l.Applied[name] = append(l.Applied[name], ids...)
}

// Compatible reports whether a build described by desired can reuse the
// shards recorded in persisted.
//
// # Description
//
// Every input that shapes the shards must match: base, repo, shard
// count, window and strategy (including the seed for Random). Splits
// may only grow, and only for treatments already recorded; new
// treatments are always fine.
func Compatible(persisted, desired *LockFile) bool {
	if persisted.Base != desired.Base ||
		persisted.Repo != desired.Repo ||
		persisted.ShardCount != desired.ShardCount ||
		persisted.MinMax != desired.MinMax {
		return false
	}
	ps, ds := persisted.Assignment.Strategy, desired.Assignment.Strategy
	if ps.Type != ds.Type {
		return false
	}
	if ps.IsRandom() && ps.Seed != ds.Seed {
		return false
	}
	for name, pct := range persisted.Assignment.Split {
		want, ok := desired.Assignment.Split[name]
		if !ok || pct > want {
			return false
		}
	}
	return true
}

// incompatibility describes the first difference Compatible would reject.
func incompatibility(persisted, desired *LockFile) string {
	switch {
	case persisted.Base != desired.Base:
		return fmt.Sprintf("base changed from %q to %q", persisted.Base, desired.Base)
	case persisted.Repo != desired.Repo:
		return fmt.Sprintf("repo changed from %q to %q", persisted.Repo, desired.Repo)
	case persisted.ShardCount != desired.ShardCount:
		return fmt.Sprintf("shard_count changed from %d to %d", persisted.ShardCount, desired.ShardCount)
	case persisted.MinMax != desired.MinMax:
		return fmt.Sprintf("minmax changed from %s to %s", persisted.MinMax, desired.MinMax)
	case persisted.Assignment.Strategy.Type != desired.Assignment.Strategy.Type:
		return fmt.Sprintf("strategy changed from %s to %s",
			persisted.Assignment.Strategy.Type, desired.Assignment.Strategy.Type)
	case persisted.Assignment.Strategy.IsRandom() &&
		persisted.Assignment.Strategy.Seed != desired.Assignment.Strategy.Seed:
		return fmt.Sprintf("seed changed from %d to %d",
			persisted.Assignment.Strategy.Seed, desired.Assignment.Strategy.Seed)
	}
	for _, name := range persisted.Assignment.SplitNames() {
		pct := persisted.Assignment.Split[name]
		want, ok := desired.Assignment.Split[name]
		if !ok {
			return fmt.Sprintf("treatment %q removed from split", name)
		}
		if pct > want {
			return fmt.Sprintf("split for %q shrank from %d%% to %d%%", name, pct, want)
		}
	}
	return ""
}

// Load reads the lockfile at path.
//
// # Outputs
//
//   - *LockFile: The persisted state.
//   - error: fs.ErrNotExist (wrapped) when absent, or a decode error.
func Load(path string) (*LockFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var l LockFile
	if err := toml.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("decoding lockfile %s: %w", path, err)
	}
	if l.Applied == nil {
		l.Applied = map[string][]int{}
	}
	return &l, nil
}

// Save writes the lockfile to path atomically.
//
// # Description
//
// Encodes to a temp file in the same directory, syncs it, then renames
// it over path so readers never observe a partial file.
func (l *LockFile) Save(path string) error {
	data, err := toml.Marshal(l)
	if err != nil {
		return fmt.Errorf("encoding lockfile: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create lockfile dir: %w", err)
	}
	tempFile, err := os.CreateTemp(dir, ".lockfile-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return fmt.Errorf("write lockfile: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		return fmt.Errorf("sync lockfile: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close lockfile: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("rename lockfile: %w", err)
	}

	success = true
	return nil
}

// Decision is the outcome of comparing the persisted lockfile with the
// desired one.
type Decision struct {
	// Nuke is true when the build must start from an empty build dir.
	Nuke bool

	// Reason explains a nuke for logs and the build summary.
	Reason string

	// Lock is the state the build continues from.
	Lock *LockFile
}

// Decide chooses between reusing the shards and rebuilding them.
//
// # Description
//
// A missing or unreadable lockfile, an incompatible one, or nuclear all
// lead to a nuke with a fresh copy of desired. Otherwise the persisted
// lockfile is returned unchanged, applied ids included. A lockfile that
// fails to parse is logged, never returned as an error.
func Decide(path string, desired *LockFile, nuclear bool, logger *slog.Logger) Decision {
	if logger == nil {
		logger = slog.Default()
	}
	fresh := func(reason string) Decision {
		lock := *desired
		lock.Assignment = desired.Assignment.Clone()
		lock.Applied = map[string][]int{}
		return Decision{Nuke: true, Reason: reason, Lock: &lock}
	}

	if nuclear {
		return fresh("nuclear rebuild requested")
	}
	persisted, err := Load(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fresh("no lockfile")
		}
		logger.Warn("ignoring unreadable lockfile", "path", path, "error", err)
		return fresh("lockfile unreadable")
	}
	if !Compatible(persisted, desired) {
		return fresh(incompatibility(persisted, desired))
	}
	return Decision{Lock: persisted}
}
