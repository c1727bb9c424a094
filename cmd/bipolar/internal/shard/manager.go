// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package shard creates and opens the per-shard working copies.
//
// # Description
//
// A build first clones the control revision into .bipolar/.control and
// then copies that working copy once per shard. Shard directories that
// already exist are never modified here; treatments and hooks mutate
// them later in the build.
package shard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/AleutianAI/bipolar/cmd/bipolar/config"
	"github.com/AleutianAI/bipolar/cmd/bipolar/internal/git"
)

// CloneError is a failure to clone the source repository.
type CloneError struct {
	Repo string
	Err  error
}

func (e *CloneError) Error() string {
	return fmt.Sprintf("clone %s: %v", e.Repo, e.Err)
}

func (e *CloneError) Unwrap() error {
	return e.Err
}

// ErrControlMissing indicates a shard was requested before the control
// clone exists.
var ErrControlMissing = errors.New("control clone missing; run a full build")

// Shard is an open handle to one shard's working copy.
type Shard struct {
	ID  int
	Dir string
	Git *git.Client
}

// Manager creates the control clone and shard copies.
//
// # Thread Safety
//
// EnsureShard is safe to call concurrently for distinct ids.
type Manager struct {
	layout Layout
	logger *slog.Logger
}

// NewManager returns a manager over layout. A nil logger uses slog.Default().
func NewManager(layout Layout, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{layout: layout, logger: logger}
}

// Layout returns the build directory layout.
func (m *Manager) Layout() Layout {
	return m.layout
}

// CloneControl clones repoURL into the control directory at base.
//
// # Description
//
// Branches are looked up before anything else: a local branch is checked
// out as is, and origin/<base> gets a local tracking branch of the same
// name. Any other revision is checked out with a detached HEAD.
//
// # Inputs
//
//   - ctx: Context for cancellation.
//   - repoURL: Source repository url or path.
//   - base: Branch name or revision to start every shard from.
//
// # Outputs
//
//   - string: Control directory path.
//   - error: *CloneError if the clone fails, *git.RevisionError if base
//     does not resolve.
func (m *Manager) CloneControl(ctx context.Context, repoURL, base string) (string, error) {
	dest := m.layout.ControlDir()
	if err := os.MkdirAll(m.layout.Root, 0755); err != nil {
		return "", fmt.Errorf("creating build directory: %w", err)
	}

	m.logger.Info("Cloning control", "repo", repoURL, "base", base, "dest", dest)
	g, err := git.Clone(ctx, repoURL, dest)
	if err != nil {
		return "", &CloneError{Repo: repoURL, Err: err}
	}
	g = g.WithLogger(m.logger)

	var commit string
	switch local, remote := "refs/heads/"+base, "refs/remotes/origin/"+base; {
	case g.RefExists(ctx, local):
		if commit, err = g.ResolveCommit(ctx, local); err != nil {
			return "", err
		}
		err = g.Checkout(ctx, base)
	case g.RefExists(ctx, remote):
		if commit, err = g.ResolveCommit(ctx, remote); err != nil {
			return "", err
		}
		err = g.CheckoutTracking(ctx, base, remote)
	default:
		if commit, err = g.ResolveCommit(ctx, base); err != nil {
			return "", err
		}
		err = g.CheckoutDetached(ctx, commit)
	}
	if err != nil {
		return "", &git.RevisionError{Rev: base, Err: err}
	}

	m.logger.Info("Control ready", "commit", commit)
	return dest, nil
}

// Control opens the existing control clone.
func (m *Manager) Control() (*git.Client, error) {
	dir := m.layout.ControlDir()
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrControlMissing
		}
		return nil, err
	}
	g, err := git.NewClient(dir, 0)
	if err != nil {
		return nil, err
	}
	return g.WithLogger(m.logger), nil
}

// EnsureShard makes sure shard id has a working copy.
//
// # Description
//
// Copies the control working copy into shard_<id> if that directory does
// not exist. The copy is staged in shard_<id>.tmp and renamed into place,
// so an interrupted copy never leaves a half-populated shard behind.
// An existing shard directory is reused untouched.
//
// # Outputs
//
//   - *Shard: Handle to the shard.
//   - bool: True if the shard was created by this call.
//   - error: ErrControlMissing or an I/O error.
func (m *Manager) EnsureShard(ctx context.Context, id int) (*Shard, bool, error) {
	dir := m.layout.ShardDir(id)
	created := false

	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return nil, false, fmt.Errorf("stat shard %d: %w", id, err)
		}
		control := m.layout.ControlDir()
		if _, err := os.Stat(control); err != nil {
			return nil, false, ErrControlMissing
		}

		staging := m.layout.stagingDir(id)
		if err := os.RemoveAll(staging); err != nil {
			return nil, false, fmt.Errorf("clearing staging for shard %d: %w", id, err)
		}
		if err := copyTree(ctx, control, staging); err != nil {
			_ = os.RemoveAll(staging)
			return nil, false, fmt.Errorf("copying control to shard %d: %w", id, err)
		}
		if err := os.Rename(staging, dir); err != nil {
			return nil, false, fmt.Errorf("publishing shard %d: %w", id, err)
		}
		created = true
		m.logger.Debug("Created shard", "shard", id, "dir", dir)
	}

	g, err := git.NewClient(dir, 0)
	if err != nil {
		return nil, false, err
	}
	return &Shard{ID: id, Dir: dir, Git: g.WithLogger(m.logger.With("shard", id))}, created, nil
}

// Open returns a handle to an existing shard without creating it.
func (m *Manager) Open(id int) (*Shard, error) {
	dir := m.layout.ShardDir(id)
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("shard %d: %w", id, err)
	}
	g, err := git.NewClient(dir, 0)
	if err != nil {
		return nil, err
	}
	return &Shard{ID: id, Dir: dir, Git: g.WithLogger(m.logger.With("shard", id))}, nil
}

// Registry holds the shard handles for one build, indexed by shard id.
//
// # Description
//
// Slots are preallocated for the build's [min, max) window. Each slot is
// written once by the goroutine that ensured that shard; readers only
// access it after the ensure phase completes. The registry is discarded
// at the end of the build.
type Registry struct {
	window config.ShardRange
	shards []*Shard
}

// NewRegistry returns an empty registry for window.
func NewRegistry(window config.ShardRange) *Registry {
	return &Registry{window: window, shards: make([]*Shard, window.Len())}
}

// Put stores s in its slot. Ids outside the window are rejected.
func (r *Registry) Put(s *Shard) error {
	if !r.window.Contains(s.ID) {
		return fmt.Errorf("shard %d outside window %s", s.ID, r.window)
	}
	r.shards[s.ID-r.window.Min()] = s
	return nil
}

// Get returns the shard with id, if present.
func (r *Registry) Get(id int) (*Shard, bool) {
	if !r.window.Contains(id) {
		return nil, false
	}
	s := r.shards[id-r.window.Min()]
	return s, s != nil
}

// All returns the populated shards in id order.
func (r *Registry) All() []*Shard {
	out := make([]*Shard, 0, len(r.shards))
	for _, s := range r.shards {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}
