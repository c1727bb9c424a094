// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package build

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/bipolar/cmd/bipolar/config"
	"github.com/AleutianAI/bipolar/cmd/bipolar/internal/buildlock"
	"github.com/AleutianAI/bipolar/cmd/bipolar/internal/git"
	"github.com/AleutianAI/bipolar/cmd/bipolar/internal/gittest"
	"github.com/AleutianAI/bipolar/cmd/bipolar/internal/lockfile"
	"github.com/AleutianAI/bipolar/cmd/bipolar/internal/process"
	"github.com/AleutianAI/bipolar/cmd/bipolar/internal/shard"
)

type harness struct {
	t      *testing.T
	fx     *gittest.Fixture
	root   string
	cfg    *config.ExperimentConfig
	runner *process.MockRunner
}

// newHarness returns a ten-shard experiment with branch treatment A
// randomly assigned with seed 42. The shuffled order for A is
// [8 9 7 0 1 6 4 5 3 2].
func newHarness(t *testing.T, split int) *harness {
	t.Helper()
	gittest.RequireGit(t)
	fx := gittest.NewFixture(t)
	return &harness{
		t:    t,
		fx:   fx,
		root: t.TempDir(),
		cfg: &config.ExperimentConfig{
			Name:       "demo",
			Repo:       fx.Origin.Dir,
			Base:       "main",
			ShardCount: 10,
			MinMax:     config.ShardRange{0, 10},
			Treatments: []config.TreatmentSpec{
				{Type: config.KindBranch, Name: "A", Ref: fx.Feature},
			},
			Assignment: config.Assignment{
				Split:    map[string]int{"A": split},
				Strategy: config.Strategy{Type: config.StrategyRandom, Seed: 42},
			},
		},
		runner: &process.MockRunner{},
	}
}

func (h *harness) build(opts Options) (*Result, error) {
	h.t.Helper()
	b, err := NewBuilder(Params{
		Config:     h.cfg,
		ConfigPath: filepath.Join(h.root, config.FileName),
		Root:       h.root,
		Runner:     h.runner,
	})
	require.NoError(h.t, err)
	return b.Build(context.Background(), opts)
}

func (h *harness) layout() shard.Layout {
	return shard.NewLayout(h.root)
}

func (h *harness) hasFeature(id int) bool {
	_, err := os.Stat(filepath.Join(h.layout().ShardDir(id), "feature.txt"))
	return err == nil
}

func (h *harness) lockfile() *lockfile.LockFile {
	h.t.Helper()
	l, err := lockfile.Load(h.layout().LockfilePath())
	require.NoError(h.t, err)
	return l
}

func (h *harness) head(id int) string {
	return gittest.Run(h.t, h.layout().ShardDir(id), "rev-parse", "HEAD")
}

func TestBuild_RandomSplit(t *testing.T) {
	h := newHarness(t, 50)

	res, err := h.build(Options{Jobs: 4})
	require.NoError(t, err)
	assert.True(t, res.Nuked)
	assert.Equal(t, "no lockfile", res.Reason)
	assert.NotEmpty(t, res.BuildID)
	assert.Equal(t, []int{8, 9, 7, 0, 1}, res.Applied["A"])

	for id := 0; id < 10; id++ {
		want := id == 8 || id == 9 || id == 7 || id == 0 || id == 1
		assert.Equal(t, want, h.hasFeature(id), "shard %d", id)
	}
	assert.Equal(t, []int{8, 9, 7, 0, 1}, h.lockfile().AppliedTo("A"))
	assert.FileExists(t, h.layout().BuildLockPath())
}

func TestBuild_IncrementalGrowth(t *testing.T) {
	h := newHarness(t, 30)

	res, err := h.build(Options{})
	require.NoError(t, err)
	assert.Equal(t, []int{8, 9, 7}, res.Applied["A"])
	head8 := h.head(8)

	h.cfg.Assignment.Split["A"] = 60
	res, err = h.build(Options{})
	require.NoError(t, err)
	assert.False(t, res.Nuked)
	assert.Equal(t, []int{0, 1, 6}, res.Applied["A"])

	lock := h.lockfile()
	assert.Equal(t, []int{8, 9, 7, 0, 1, 6}, lock.AppliedTo("A"))
	assert.Equal(t, 60, lock.Assignment.Split["A"])
	assert.Equal(t, head8, h.head(8), "already treated shards are untouched")
	assert.True(t, h.hasFeature(6))
	assert.False(t, h.hasFeature(4))
}

func TestBuild_ShrinkNukes(t *testing.T) {
	h := newHarness(t, 30)
	_, err := h.build(Options{})
	require.NoError(t, err)

	h.cfg.Assignment.Split["A"] = 20
	res, err := h.build(Options{})
	require.NoError(t, err)
	assert.True(t, res.Nuked)
	assert.Contains(t, res.Reason, "shrank")
	assert.Equal(t, []int{8, 9}, res.Applied["A"])
	assert.False(t, h.hasFeature(7), "shard 7 was rebuilt without the treatment")
	assert.Equal(t, []int{8, 9}, h.lockfile().AppliedTo("A"))
}

func TestBuild_UnchangedIsNoop(t *testing.T) {
	h := newHarness(t, 30)
	h.cfg.Hooks.ControlBuild = "make deps"
	_, err := h.build(Options{})
	require.NoError(t, err)
	head8 := h.head(8)

	res, err := h.build(Options{})
	require.NoError(t, err)
	assert.False(t, res.Nuked)
	assert.Empty(t, res.Applied["A"])
	assert.Equal(t, head8, h.head(8))
	assert.Len(t, h.runner.CallsTo("Run"), 1, "control_build only runs on a nuke")
}

func TestBuild_Nuclear(t *testing.T) {
	h := newHarness(t, 30)
	_, err := h.build(Options{})
	require.NoError(t, err)

	res, err := h.build(Options{Nuclear: true})
	require.NoError(t, err)
	assert.True(t, res.Nuked)
	assert.Equal(t, "nuclear rebuild requested", res.Reason)
	assert.Equal(t, []int{8, 9, 7}, res.Applied["A"])
}

func TestBuild_Hooks(t *testing.T) {
	h := newHarness(t, 100)
	h.cfg.ShardCount = 3
	h.cfg.MinMax = config.ShardRange{0, 3}
	h.cfg.Assignment.Strategy = config.Strategy{Type: config.StrategyProxy}
	h.cfg.Hooks = config.Hooks{ControlBuild: "make deps", Build: "make"}
	h.cfg.Environment = map[string]string{"FOO": "bar"}

	res, err := h.build(Options{Jobs: 1})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, res.Applied["A"])

	calls := h.runner.CallsTo("Run")
	require.Len(t, calls, 4)
	assert.Equal(t, "control_build", calls[0].Command.Name)
	assert.Equal(t, h.layout().ControlDir(), calls[0].Command.Dir)
	assert.Contains(t, calls[0].Command.Env, "FOO=bar")

	seen := map[string]bool{}
	for _, c := range calls[1:] {
		assert.Equal(t, "build", c.Command.Name)
		assert.Equal(t, "make", c.Command.Script)
		assert.Contains(t, c.Command.Env, "FOO=bar")
		assert.Contains(t, c.Command.Env, "BIPOLAR_SHARD_COUNT=3")
		seen[c.Command.Dir] = true
	}
	for id := 0; id < 3; id++ {
		assert.True(t, seen[h.layout().ShardDir(id)], "build hook ran in shard %d", id)
	}
}

func TestBuild_Window(t *testing.T) {
	h := newHarness(t, 50)
	h.cfg.MinMax = config.ShardRange{0, 5}

	res, err := h.build(Options{})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, res.Applied["A"], "ids outside the window are not recorded")

	ids, err := h.layout().ExistingShards()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, ids)
}

func TestBuild_MissingSplit(t *testing.T) {
	h := newHarness(t, 30)
	h.cfg.Treatments = append(h.cfg.Treatments,
		config.TreatmentSpec{Type: config.KindCommit, Name: "B", Ref: h.fx.FeatureTip})

	res, err := h.build(Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, res.Skipped)
	_, ok := res.Applied["B"]
	assert.False(t, ok)
}

func TestBuild_TreatmentFailure(t *testing.T) {
	h := newHarness(t, 100)
	h.cfg.ShardCount = 2
	h.cfg.MinMax = config.ShardRange{0, 2}
	h.cfg.Treatments[0].Ref = "no-such-branch"

	_, err := h.build(Options{})
	var terr *TreatmentError
	require.True(t, errors.As(err, &terr), "got %v", err)
	assert.Equal(t, "A", terr.Treatment)
	var rerr *git.RevisionError
	assert.True(t, errors.As(err, &rerr))
	assert.NoFileExists(t, h.layout().LockfilePath())
}

func TestBuild_HookFailure(t *testing.T) {
	h := newHarness(t, 0)
	h.cfg.ShardCount = 2
	h.cfg.MinMax = config.ShardRange{0, 2}
	h.cfg.Hooks.Build = "make"
	h.runner.RunFunc = func(_ context.Context, c process.Command) error {
		return &process.HookError{Name: c.Name, Script: c.Script, Dir: c.Dir, ExitCode: 2, Err: errors.New("exit status 2")}
	}

	_, err := h.build(Options{})
	var herr *process.HookError
	require.True(t, errors.As(err, &herr), "got %v", err)
	assert.Equal(t, "build", herr.Name)
	assert.NoFileExists(t, h.layout().LockfilePath())
}

func TestBuild_LockHeld(t *testing.T) {
	h := newHarness(t, 30)
	held, err := buildlock.Acquire(h.layout().BuildLockPath(), "other")
	require.NoError(t, err)
	defer held.Release()

	_, err = h.build(Options{})
	assert.ErrorIs(t, err, buildlock.ErrLockHeld)
}

func TestBuild_RecreatedShardGetsTreatment(t *testing.T) {
	h := newHarness(t, 30)
	_, err := h.build(Options{})
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(h.layout().ShardDir(8)))
	res, err := h.build(Options{})
	require.NoError(t, err)
	assert.False(t, res.Nuked)
	assert.True(t, h.hasFeature(8))
	assert.Equal(t, []int{8, 9, 7}, h.lockfile().AppliedTo("A"))
}

func TestBuild_ControlMissingNukes(t *testing.T) {
	h := newHarness(t, 30)
	_, err := h.build(Options{})
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(h.layout().ControlDir()))
	res, err := h.build(Options{})
	require.NoError(t, err)
	assert.True(t, res.Nuked)
	assert.Equal(t, "control clone missing", res.Reason)
	assert.Equal(t, []int{8, 9, 7}, res.Applied["A"])
}

func TestBuild_PatchTemplatesSymlinks(t *testing.T) {
	h := newHarness(t, 0)
	h.cfg.ShardCount = 2
	h.cfg.MinMax = config.ShardRange{0, 2}
	h.cfg.Assignment.Strategy = config.Strategy{Type: config.StrategyProxy}
	h.cfg.Treatments = []config.TreatmentSpec{{Type: config.KindPatch, Name: "P", Patch: "patches/readme.patch"}}
	h.cfg.Assignment.Split = map[string]int{"P": 50}
	h.cfg.Templating = &config.Templating{Path: "templates", Config: map[string]string{"base_port": "8000"}}
	h.cfg.Symlinks = &config.Symlinks{Source: "shared"}

	write := func(rel, content string) {
		path := filepath.Join(h.root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	write("patches/readme.patch", "--- a/README.md\n+++ b/README.md\n@@ -1 +1,2 @@\n # demo\n+patched\n")
	write("templates/port.txt", "{{add (atoi .base_port) .shard_id}}")
	write("shared/model.bin", "weights")

	res, err := h.build(Options{})
	require.NoError(t, err)
	assert.Equal(t, []int{0}, res.Applied["P"])

	readme, err := os.ReadFile(filepath.Join(h.layout().ShardDir(0), "README.md"))
	require.NoError(t, err)
	assert.Equal(t, "# demo\npatched\n", string(readme))

	port, err := os.ReadFile(filepath.Join(h.layout().ShardDir(1), "port.txt"))
	require.NoError(t, err)
	assert.Equal(t, "8001", string(port))

	model, err := os.ReadFile(filepath.Join(h.layout().ShardDir(1), "model.bin"))
	require.NoError(t, err)
	assert.Equal(t, "weights", string(model))
}

func (h *harness) writeFile(rel, content string) {
	h.t.Helper()
	path := filepath.Join(h.root, rel)
	require.NoError(h.t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(h.t, os.WriteFile(path, []byte(content), 0644))
}

func (h *harness) shardFile(id int, rel string) string {
	h.t.Helper()
	data, err := os.ReadFile(filepath.Join(h.layout().ShardDir(id), rel))
	require.NoError(h.t, err)
	return string(data)
}

const readmePatch = "--- a/README.md\n+++ b/README.md\n@@ -1 +1,2 @@\n # demo\n+patched\n"

// singleShard reconfigures h as one proxy-assigned shard carrying every
// treatment at 100%.
func (h *harness) singleShard(treatments ...config.TreatmentSpec) {
	h.cfg.ShardCount = 1
	h.cfg.MinMax = config.ShardRange{0, 1}
	h.cfg.Assignment.Strategy = config.Strategy{Type: config.StrategyProxy}
	h.cfg.Treatments = treatments
	h.cfg.Assignment.Split = map[string]int{}
	for _, t := range treatments {
		h.cfg.Assignment.Split[t.Name] = 100
	}
	h.writeFile("patches/readme.patch", readmePatch)
}

func TestBuild_TreatmentsCompose(t *testing.T) {
	branch := func(name, ref string) config.TreatmentSpec {
		return config.TreatmentSpec{Type: config.KindBranch, Name: name, Ref: ref}
	}
	patch := config.TreatmentSpec{Type: config.KindPatch, Name: "P", Patch: "patches/readme.patch"}

	tests := []struct {
		name       string
		treatments func(fx *gittest.Fixture) []config.TreatmentSpec
		wantFiles  map[string]string
	}{
		{
			name: "merge then merge",
			treatments: func(fx *gittest.Fixture) []config.TreatmentSpec {
				return []config.TreatmentSpec{branch("A", fx.Feature), branch("B", "clash")}
			},
			wantFiles: map[string]string{
				"feature.txt": "feature on\n",
				"app.txt":     "line one\nclash\nline three\n",
				"README.md":   "# demo\n",
			},
		},
		{
			name: "patch then merge",
			treatments: func(fx *gittest.Fixture) []config.TreatmentSpec {
				return []config.TreatmentSpec{patch, branch("A", fx.Feature)}
			},
			wantFiles: map[string]string{
				"feature.txt": "feature on\n",
				"README.md":   "# demo\npatched\n",
			},
		},
		{
			name: "merge then patch",
			treatments: func(fx *gittest.Fixture) []config.TreatmentSpec {
				return []config.TreatmentSpec{branch("A", fx.Feature), patch}
			},
			wantFiles: map[string]string{
				"feature.txt": "feature on\n",
				"README.md":   "# demo\npatched\n",
			},
		},
		{
			name: "commit then merge",
			treatments: func(fx *gittest.Fixture) []config.TreatmentSpec {
				return []config.TreatmentSpec{
					{Type: config.KindCommit, Name: "C", Ref: fx.FeatureTip},
					branch("B", "clash"),
				}
			},
			wantFiles: map[string]string{
				"feature.txt": "feature on\n",
				"app.txt":     "line one\nclash\nline three\n",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 100)
			treatments := tt.treatments(h.fx)
			h.singleShard(treatments...)

			res, err := h.build(Options{})
			require.NoError(t, err)

			want := map[string][]int{}
			for _, tr := range treatments {
				want[tr.Name] = []int{0}
			}
			assert.Equal(t, want, res.Applied)
			assert.Equal(t, want, h.lockfile().Applied)
			for rel, content := range tt.wantFiles {
				assert.Equal(t, content, h.shardFile(0, rel), rel)
			}
		})
	}
}

func TestBuild_IncrementalBranchKeepsPatch(t *testing.T) {
	h := newHarness(t, 100)
	patch := config.TreatmentSpec{Type: config.KindPatch, Name: "P", Patch: "patches/readme.patch"}
	h.singleShard(patch, config.TreatmentSpec{Type: config.KindBranch, Name: "A", Ref: h.fx.Feature})
	delete(h.cfg.Assignment.Split, "A")

	res, err := h.build(Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, res.Skipped)
	assert.Equal(t, "# demo\npatched\n", h.shardFile(0, "README.md"))

	h.cfg.Assignment.Split["A"] = 100
	res, err = h.build(Options{})
	require.NoError(t, err)
	assert.False(t, res.Nuked)
	assert.Equal(t, []int{0}, res.Applied["A"])
	assert.Equal(t, "# demo\npatched\n", h.shardFile(0, "README.md"))
	assert.True(t, h.hasFeature(0))
	assert.Equal(t, map[string][]int{"P": {0}, "A": {0}}, h.lockfile().Applied)
}

func TestBuild_BranchBase(t *testing.T) {
	h := newHarness(t, 100)
	h.singleShard(config.TreatmentSpec{Type: config.KindBranch, Name: "A", Ref: h.fx.Feature})
	h.cfg.Base = "clash"

	res, err := h.build(Options{})
	require.NoError(t, err)
	assert.Equal(t, []int{0}, res.Applied["A"])
	assert.Equal(t, "clash", gittest.Run(t, h.layout().ControlDir(), "rev-parse", "--abbrev-ref", "HEAD"))
	assert.Equal(t, "line one\nclash\nline three\n", h.shardFile(0, "app.txt"))
	assert.True(t, h.hasFeature(0))
}

func TestApplyTreatment_MissingShardStartsNothing(t *testing.T) {
	h := newHarness(t, 0)
	h.cfg.ShardCount = 2
	h.cfg.MinMax = config.ShardRange{0, 2}
	h.cfg.Assignment.Strategy = config.Strategy{Type: config.StrategyProxy}
	_, err := h.build(Options{})
	require.NoError(t, err)

	h.cfg.Assignment.Split["A"] = 100
	b, err := NewBuilder(Params{
		Config:     h.cfg,
		ConfigPath: filepath.Join(h.root, config.FileName),
		Root:       h.root,
		Runner:     h.runner,
	})
	require.NoError(t, err)

	s0, err := shard.NewManager(h.layout(), nil).Open(0)
	require.NoError(t, err)
	registry := shard.NewRegistry(h.cfg.MinMax)
	require.NoError(t, registry.Put(s0))
	lock := lockfile.FromConfig(h.cfg)

	_, _, err = b.applyTreatment(context.Background(), registry, lock,
		config.Branch{Name: "A", Ref: h.fx.Feature}, nil, 2)
	var terr *TreatmentError
	require.True(t, errors.As(err, &terr), "got %v", err)
	assert.Equal(t, 1, terr.ShardID)
	assert.ErrorIs(t, err, shard.ErrControlMissing)
	assert.False(t, h.hasFeature(0), "no shard is touched when a lookup fails")
	assert.Empty(t, lock.AppliedTo("A"))
}

func TestNewBuilder_NilConfig(t *testing.T) {
	_, err := NewBuilder(Params{Root: t.TempDir()})
	assert.Error(t, err)
}
