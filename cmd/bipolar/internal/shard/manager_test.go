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
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/bipolar/cmd/bipolar/config"
	"github.com/AleutianAI/bipolar/cmd/bipolar/internal/git"
	"github.com/AleutianAI/bipolar/cmd/bipolar/internal/gittest"
)

func TestLayoutPaths(t *testing.T) {
	l := NewLayout("/srv/project")
	assert.Equal(t, "/srv/project/.bipolar", l.Root)
	assert.Equal(t, "/srv/project/.bipolar/.control", l.ControlDir())
	assert.Equal(t, "/srv/project/.bipolar/shard_7", l.ShardDir(7))
	assert.Equal(t, "/srv/project/.bipolar/lockfile.toml", l.LockfilePath())
	assert.Equal(t, "/srv/project/.bipolar/.lock", l.BuildLockPath())
}

func TestLayout_WipeKeepsBuildLock(t *testing.T) {
	l := NewLayout(t.TempDir())
	require.NoError(t, os.MkdirAll(l.ShardDir(0), 0755))
	require.NoError(t, os.MkdirAll(l.ControlDir(), 0755))
	require.NoError(t, os.WriteFile(l.LockfilePath(), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(l.BuildLockPath(), []byte("pid=1"), 0644))

	require.NoError(t, l.Wipe())

	entries, err := os.ReadDir(l.Root)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, BuildLockName, entries[0].Name())

	assert.NoError(t, NewLayout(t.TempDir()).Wipe(), "wiping a missing build dir is a no-op")
}

func TestLayout_ExistingShards(t *testing.T) {
	l := NewLayout(t.TempDir())
	for _, name := range []string{"shard_10", "shard_2", "shard_3.tmp", "shard_x", ".control"} {
		require.NoError(t, os.MkdirAll(filepath.Join(l.Root, name), 0755))
	}
	ids, err := l.ExistingShards()
	require.NoError(t, err)
	assert.Equal(t, []int{2, 10}, ids)
}

func newManager(t *testing.T) (*Manager, *gittest.Fixture) {
	t.Helper()
	fx := gittest.NewFixture(t)
	return NewManager(NewLayout(t.TempDir()), nil), fx
}

func TestCloneControl_Branch(t *testing.T) {
	m, fx := newManager(t)
	ctx := context.Background()

	dir, err := m.CloneControl(ctx, fx.Origin.Dir, "feature")
	require.NoError(t, err)
	assert.Equal(t, m.Layout().ControlDir(), dir)

	branch := gittest.Run(t, dir, "rev-parse", "--abbrev-ref", "HEAD")
	assert.Equal(t, "feature", branch)
	assert.Equal(t, fx.FeatureTip, gittest.Run(t, dir, "rev-parse", "HEAD"))
}

func TestCloneControl_RemoteBranches(t *testing.T) {
	tests := []struct {
		name   string
		branch string
	}{
		{"default branch", "main"},
		{"remote only", "clash"},
		{"nested name", "release/x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, fx := newManager(t)
			fx.Origin.Git("branch", "release/x", fx.FeatureTip)
			want := fx.Origin.Git("rev-parse", tt.branch)

			dir, err := m.CloneControl(context.Background(), fx.Origin.Dir, tt.branch)
			require.NoError(t, err)
			assert.Equal(t, tt.branch, gittest.Run(t, dir, "rev-parse", "--abbrev-ref", "HEAD"))
			assert.Equal(t, want, gittest.Run(t, dir, "rev-parse", "HEAD"))
			assert.Equal(t, "origin/"+tt.branch,
				gittest.Run(t, dir, "rev-parse", "--abbrev-ref", tt.branch+"@{upstream}"))
		})
	}
}

func TestCloneControl_DetachedRevision(t *testing.T) {
	m, fx := newManager(t)
	dir, err := m.CloneControl(context.Background(), fx.Origin.Dir, fx.BaseCommit)
	require.NoError(t, err)

	assert.Equal(t, "HEAD", gittest.Run(t, dir, "rev-parse", "--abbrev-ref", "HEAD"))
	assert.Equal(t, fx.BaseCommit, gittest.Run(t, dir, "rev-parse", "HEAD"))
}

func TestCloneControl_Errors(t *testing.T) {
	m, fx := newManager(t)
	ctx := context.Background()

	_, err := m.CloneControl(ctx, fx.Origin.Dir, "no-such-branch")
	var rerr *git.RevisionError
	require.True(t, errors.As(err, &rerr), "got %v", err)
	assert.Equal(t, "no-such-branch", rerr.Rev)

	other := NewManager(NewLayout(t.TempDir()), nil)
	_, err = other.CloneControl(ctx, filepath.Join(t.TempDir(), "missing"), "main")
	var cerr *CloneError
	assert.True(t, errors.As(err, &cerr), "got %v", err)
}

func TestEnsureShard(t *testing.T) {
	m, fx := newManager(t)
	ctx := context.Background()

	_, _, err := m.EnsureShard(ctx, 0)
	assert.ErrorIs(t, err, ErrControlMissing)

	_, err = m.CloneControl(ctx, fx.Origin.Dir, "main")
	require.NoError(t, err)

	s, created, err := m.EnsureShard(ctx, 3)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 3, s.ID)
	assert.Equal(t, m.Layout().ShardDir(3), s.Dir)
	assert.FileExists(t, filepath.Join(s.Dir, "app.txt"))

	head, err := s.Git.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, fx.BaseCommit, head)

	// An existing shard is left exactly as it is.
	marker := filepath.Join(s.Dir, "local-only.txt")
	require.NoError(t, os.WriteFile(marker, []byte("keep"), 0644))
	require.NoError(t, os.Remove(filepath.Join(s.Dir, "README.md")))

	again, created, err := m.EnsureShard(ctx, 3)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, s.Dir, again.Dir)
	assert.FileExists(t, marker)
	assert.NoFileExists(t, filepath.Join(s.Dir, "README.md"))
	assert.NoDirExists(t, s.Dir+stagingDirExtra)
}

func TestEnsureShard_PreservesSymlinksAndModes(t *testing.T) {
	fx := gittest.NewFixture(t)
	fx.Origin.WriteFile("run.sh", "#!/bin/sh\necho hi\n")
	require.NoError(t, os.Chmod(filepath.Join(fx.Origin.Dir, "run.sh"), 0755))
	require.NoError(t, os.Symlink("app.txt", filepath.Join(fx.Origin.Dir, "link.txt")))
	fx.Origin.CommitAll("script and link")

	m := NewManager(NewLayout(t.TempDir()), nil)
	ctx := context.Background()
	_, err := m.CloneControl(ctx, fx.Origin.Dir, "main")
	require.NoError(t, err)
	s, _, err := m.EnsureShard(ctx, 0)
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(s.Dir, "run.sh"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode().Perm()&0100)

	link, err := os.Readlink(filepath.Join(s.Dir, "link.txt"))
	require.NoError(t, err)
	assert.Equal(t, "app.txt", link)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(config.ShardRange{2, 5})
	require.NoError(t, r.Put(&Shard{ID: 4}))
	require.NoError(t, r.Put(&Shard{ID: 2}))
	assert.Error(t, r.Put(&Shard{ID: 5}))

	s, ok := r.Get(4)
	require.True(t, ok)
	assert.Equal(t, 4, s.ID)

	_, ok = r.Get(3)
	assert.False(t, ok)
	_, ok = r.Get(9)
	assert.False(t, ok)

	var ids []int
	for _, s := range r.All() {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []int{2, 4}, ids)
}
