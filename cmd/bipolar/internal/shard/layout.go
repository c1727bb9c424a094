// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package shard

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Names inside the build directory.
const (
	BuildDirName    = ".bipolar"
	ControlDirName  = ".control"
	LockfileName    = "lockfile.toml"
	BuildLockName   = ".lock"
	shardDirPrefix  = "shard_"
	stagingDirExtra = ".tmp"
)

// Layout resolves paths inside a project's build directory.
//
// .bipolar/
//
//	.control/        control clone
//	shard_<id>/      one working copy per shard
//	lockfile.toml    persisted build state
//	.lock            exclusive build lock
type Layout struct {
	// Root is the absolute path of the build directory.
	Root string
}

// NewLayout returns the layout for a project root.
func NewLayout(projectRoot string) Layout {
	return Layout{Root: filepath.Join(projectRoot, BuildDirName)}
}

// ControlDir is the control clone.
func (l Layout) ControlDir() string {
	return filepath.Join(l.Root, ControlDirName)
}

// ShardDir is the working copy for shard id.
func (l Layout) ShardDir(id int) string {
	return filepath.Join(l.Root, shardDirPrefix+strconv.Itoa(id))
}

// LockfilePath is the persisted build state.
func (l Layout) LockfilePath() string {
	return filepath.Join(l.Root, LockfileName)
}

// BuildLockPath is the exclusive lock held during a build.
func (l Layout) BuildLockPath() string {
	return filepath.Join(l.Root, BuildLockName)
}

func (l Layout) stagingDir(id int) string {
	return l.ShardDir(id) + stagingDirExtra
}

// Wipe removes everything in the build directory except the build lock.
//
// # Description
//
// The lock file stays so a concurrent build cannot slip in between the
// wipe and the fresh clone.
func (l Layout) Wipe() error {
	entries, err := os.ReadDir(l.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading build directory: %w", err)
	}
	for _, e := range entries {
		if e.Name() == BuildLockName {
			continue
		}
		if err := os.RemoveAll(filepath.Join(l.Root, e.Name())); err != nil {
			return fmt.Errorf("removing %s: %w", e.Name(), err)
		}
	}
	return nil
}

// ExistingShards returns the ids of shard directories present on disk.
func (l Layout) ExistingShards() ([]int, error) {
	entries, err := os.ReadDir(l.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []int
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || !strings.HasPrefix(name, shardDirPrefix) {
			continue
		}
		id, err := strconv.Atoi(strings.TrimPrefix(name, shardDirPrefix))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}
