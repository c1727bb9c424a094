// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/bipolar/cmd/bipolar/config"
	"github.com/AleutianAI/bipolar/cmd/bipolar/internal/gittest"
	"github.com/AleutianAI/bipolar/cmd/bipolar/internal/supervisor"
	"github.com/AleutianAI/bipolar/cmd/bipolar/internal/watch"
	"github.com/AleutianAI/bipolar/pkg/logging"
)

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath, verbose, logFormat, logFile, traceExporter = "", false, "text", "", "none"
	initName, initForce = "", false
	buildNuclear, buildJobs = false, 0
	metricsAddr, watchDebounce = "", watch.DefaultDebounce

	var stdout, stderr bytes.Buffer
	rootCmd.SetArgs(args)
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	err := rootCmd.ExecuteContext(context.Background())
	require.NoError(t, closeApp())
	t.Logf("stderr:\n%s", stderr.String())
	return stdout.String(), err
}

// newWorkspace clones the standard fixture and returns the clone's root
// and the config path inside it.
func newWorkspace(t *testing.T) (*gittest.Fixture, string, string) {
	t.Helper()
	fx := gittest.NewFixture(t)
	parent := t.TempDir()
	gittest.Run(t, parent, "clone", "--quiet", fx.Origin.Dir, "work")
	root := filepath.Join(parent, "work")
	return fx, root, filepath.Join(root, config.FileName)
}

func writeExperiment(t *testing.T, fx *gittest.Fixture, path string, split int) {
	t.Helper()
	cfg := &config.ExperimentConfig{
		Name:       "demo",
		Repo:       fx.Origin.Dir,
		Base:       fx.BaseCommit,
		ShardCount: 10,
		MinMax:     config.ShardRange{0, 10},
		Treatments: []config.TreatmentSpec{
			{Type: config.KindBranch, Name: "A", Ref: fx.Feature},
		},
		Assignment: config.Assignment{
			Split:    map[string]int{"A": split},
			Strategy: config.Strategy{Type: config.StrategyRandom, Seed: 42},
		},
	}
	require.NoError(t, config.Save(path, cfg))
}

func TestNameFromURL(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"git@github.com:org/service.git", "service"},
		{"https://example.com/org/service", "service"},
		{"https://example.com/org/service.git/", "service"},
		{"git@host:service.git", "service"},
		{"/srv/git/origin", "origin"},
		{`C:\repos\app.git`, "app"},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, nameFromURL(tt.url))
		})
	}
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "bipolar dev\n", out)
}

func TestUnknownLogFormat(t *testing.T) {
	_, err := execute(t, "version", "--log-format", "xml")
	assert.ErrorIs(t, err, logging.ErrUnknownFormat)
}

func TestInit(t *testing.T) {
	fx, _, path := newWorkspace(t)

	out, err := execute(t, "init", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote "+path)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "origin", cfg.Name)
	assert.Equal(t, fx.Origin.Dir, cfg.Repo)
	assert.Equal(t, fx.BaseCommit, cfg.Base)
	assert.Equal(t, 1, cfg.ShardCount)
	assert.Equal(t, config.ShardRange{0, 0}, cfg.MinMax)
	assert.Equal(t, config.StrategyRandom, cfg.Assignment.Strategy.Type)
	assert.Zero(t, cfg.Assignment.Strategy.Seed)

	_, err = execute(t, "init", "--config", path)
	assert.ErrorIs(t, err, config.ErrConfigExists)

	_, err = execute(t, "init", "--config", path, "--force", "--name", "checkout-v2")
	require.NoError(t, err)
	cfg, err = config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "checkout-v2", cfg.Name)
}

func TestInit_OutsideRepository(t *testing.T) {
	gittest.RequireGit(t)
	_, err := execute(t, "init", "--config", filepath.Join(t.TempDir(), config.FileName))
	assert.ErrorIs(t, err, config.ErrNotInRepository)
}

func TestStatus_BeforeBuild(t *testing.T) {
	fx, _, path := newWorkspace(t)
	writeExperiment(t, fx, path, 50)

	out, err := execute(t, "status", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "WARN: next build starts from scratch: no lockfile")
	assert.Contains(t, out, "selected 8, 9, 7, 0, 1, applied 0, due 8, 9, 7, 0, 1")
	assert.Contains(t, out, "PENDING: control clone missing")
	assert.Contains(t, out, "PENDING: shard_0: not built")
}

func TestBuildThenStatus(t *testing.T) {
	fx, _, path := newWorkspace(t)
	writeExperiment(t, fx, path, 30)

	out, err := execute(t, "build", "--config", path, "--jobs", "4")
	require.NoError(t, err)
	assert.Contains(t, out, "mode: rebuilt (no lockfile)")
	assert.Contains(t, out, "A: 3 shards newly applied: 8, 9, 7")

	writeExperiment(t, fx, path, 50)
	out, err = execute(t, "build", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "mode: incremental")
	assert.Contains(t, out, "A: 2 shards newly applied: 0, 1")

	out, err = execute(t, "status", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "OK: lockfile compatible, next build is incremental")
	assert.Contains(t, out, "applied 5, due none")
	assert.Contains(t, out, "OK: shard_8: A")
	assert.Contains(t, out, "OK: shard_2: control")
}

func TestRun_MissingHook(t *testing.T) {
	fx, _, path := newWorkspace(t)
	writeExperiment(t, fx, path, 30)

	_, err := execute(t, "run", "--config", path)
	assert.ErrorIs(t, err, supervisor.ErrMissingHook)
}
