// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package supervisor runs the run hook in every shard and keeps the
// children alive until the caller cancels.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/bipolar/cmd/bipolar/config"
	"github.com/AleutianAI/bipolar/cmd/bipolar/internal/process"
	"github.com/AleutianAI/bipolar/cmd/bipolar/internal/shard"
	"github.com/AleutianAI/bipolar/cmd/bipolar/internal/telemetry"
)

// DefaultSpawnInterval spaces consecutive child spawns.
const DefaultSpawnInterval = 500 * time.Millisecond

// ErrMissingHook indicates the config has no run hook.
var ErrMissingHook = errors.New("no run hook configured (hooks.run)")

// ErrShardMissing indicates a shard directory that has not been built.
var ErrShardMissing = errors.New("shard directory missing; run `bipolar build` first")

// ProcessError is a child that could not be started.
type ProcessError struct {
	ShardID int
	Err     error
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("starting shard %d: %v", e.ShardID, e.Err)
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

// Params are the dependencies of a Supervisor.
type Params struct {
	Config *config.ExperimentConfig

	// Root is the project root holding .bipolar.
	Root string

	// Runner starts the children. Nil uses process.NewShellRunner().
	Runner process.Runner

	// Logger receives lifecycle logs. Nil uses slog.Default().
	Logger *slog.Logger

	// Stdout and Stderr receive child output. Nil discards it.
	Stdout io.Writer
	Stderr io.Writer

	// Metrics records child counts. Nil uses telemetry.Global().
	Metrics *telemetry.Metrics

	// SpawnInterval overrides DefaultSpawnInterval.
	SpawnInterval time.Duration
}

// Supervisor owns the run-hook children of one experiment.
//
// # Thread Safety
//
// Run must not be called concurrently on the same Supervisor.
type Supervisor struct {
	cfg      *config.ExperimentConfig
	layout   shard.Layout
	runner   process.Runner
	logger   *slog.Logger
	stdout   io.Writer
	stderr   io.Writer
	metrics  *telemetry.Metrics
	interval time.Duration
}

// New creates a Supervisor.
func New(p Params) (*Supervisor, error) {
	if p.Config == nil {
		return nil, errors.New("supervisor: nil config")
	}
	if p.Runner == nil {
		p.Runner = process.NewShellRunner()
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.Metrics == nil {
		p.Metrics = telemetry.Global()
	}
	if p.SpawnInterval <= 0 {
		p.SpawnInterval = DefaultSpawnInterval
	}
	return &Supervisor{
		cfg:      p.Config,
		layout:   shard.NewLayout(p.Root),
		runner:   p.Runner,
		logger:   p.Logger,
		stdout:   p.Stdout,
		stderr:   p.Stderr,
		metrics:  p.Metrics,
		interval: p.SpawnInterval,
	}, nil
}

type child struct {
	shardID int
	proc    process.Child
}

// Run starts one child per shard in the window and blocks until ctx is
// cancelled.
//
// # Description
//
// Children are started through the platform shell in their shard
// directory. Each spawn starts at least one spawn interval after the
// previous Start call returned. Each child receives the
// supervisor's environment plus the configured environment and its
// shard identity. Children that exit on their own are logged and not
// restarted. When ctx is cancelled every child is killed (its whole
// process group on unix) and Run waits for all of them to be reaped.
//
// # Outputs
//
//   - error: ErrMissingHook, *ProcessError if a spawn fails (children
//     already started are killed first), or the joined kill failures.
//     Cancellation itself is not an error.
func (s *Supervisor) Run(ctx context.Context) error {
	script := s.cfg.Hooks.Run
	if script == "" {
		return ErrMissingHook
	}

	limiter := rate.NewLimiter(rate.Every(s.interval), 1)
	var (
		children []child
		reapers  sync.WaitGroup
	)
	shutdown := func() error {
		err := s.killAll(children)
		reapers.Wait()
		return err
	}

	for _, id := range s.cfg.MinMax.IDs() {
		if err := limiter.Wait(ctx); err != nil {
			s.logger.Info("Cancelled while starting children", "started", len(children))
			return shutdown()
		}

		dir := s.layout.ShardDir(id)
		if _, err := os.Stat(dir); err != nil {
			return errors.Join(&ProcessError{ShardID: id, Err: ErrShardMissing}, shutdown())
		}
		proc, err := s.runner.Start(process.Command{
			Name:   "run",
			Script: script,
			Dir:    dir,
			Env:    process.ShardEnv(os.Environ(), s.cfg.Environment, id, s.cfg.ShardCount),
			Stdout: s.stdout,
			Stderr: s.stderr,
		})
		if err != nil {
			return errors.Join(&ProcessError{ShardID: id, Err: err}, shutdown())
		}
		// Start the next interval once this spawn has returned; a fresh
		// limiter with its only token taken holds the next Wait a full
		// interval from now.
		limiter = rate.NewLimiter(rate.Every(s.interval), 1)
		limiter.Allow()

		s.logger.Info("Started child", "shard", id, "pid", proc.Pid())
		s.metrics.RunningProcesses.Add(ctx, 1)
		children = append(children, child{shardID: id, proc: proc})

		reapers.Add(1)
		go func() {
			defer reapers.Done()
			s.reap(ctx, id, proc)
		}()
	}

	<-ctx.Done()
	s.logger.Info("Stopping children", "count", len(children))
	return shutdown()
}

// reap waits for one child and logs how it ended.
func (s *Supervisor) reap(ctx context.Context, id int, proc process.Child) {
	err := proc.Wait()
	killed := ctx.Err() != nil
	mctx := context.WithoutCancel(ctx)
	s.metrics.RunningProcesses.Add(mctx, -1)
	s.metrics.RecordChildExit(mctx, killed)
	switch {
	case killed:
		s.logger.Debug("Child stopped", "shard", id, "pid", proc.Pid())
	case err != nil:
		s.logger.Warn("Child exited early", "shard", id, "pid", proc.Pid(), "error", err)
	default:
		s.logger.Warn("Child exited early", "shard", id, "pid", proc.Pid())
	}
}

// killAll kills every child. Children that already exited are fine; any
// other failure is collected.
func (s *Supervisor) killAll(children []child) error {
	var errs []error
	for _, c := range children {
		err := c.proc.Kill()
		if err == nil || errors.Is(err, os.ErrProcessDone) {
			continue
		}
		s.logger.Error("Failed to kill child", "shard", c.shardID, "pid", c.proc.Pid(), "error", err)
		errs = append(errs, fmt.Errorf("killing shard %d (pid %d): %w", c.shardID, c.proc.Pid(), err))
	}
	return errors.Join(errs...)
}
