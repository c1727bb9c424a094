// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package build materializes an experiment: a control clone, one
// working copy per shard, and the treatments assigned to each shard.
//
// # Description
//
// A build compares the config with the lockfile left by the previous
// build. When only split percentages grew, the existing shards are kept
// and only the newly due shards receive their treatment. Any other
// change, or --nuclear, wipes the build directory and starts over.
//
// Steps that touch independent shards run in parallel, bounded by the
// jobs option. Treatments are applied one after another so a later
// treatment merges on top of an earlier one.
package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/bipolar/cmd/bipolar/config"
	"github.com/AleutianAI/bipolar/cmd/bipolar/internal/assign"
	"github.com/AleutianAI/bipolar/cmd/bipolar/internal/buildlock"
	"github.com/AleutianAI/bipolar/cmd/bipolar/internal/lockfile"
	"github.com/AleutianAI/bipolar/cmd/bipolar/internal/process"
	"github.com/AleutianAI/bipolar/cmd/bipolar/internal/render"
	"github.com/AleutianAI/bipolar/cmd/bipolar/internal/shard"
	"github.com/AleutianAI/bipolar/cmd/bipolar/internal/telemetry"
	"github.com/AleutianAI/bipolar/cmd/bipolar/internal/treatment"
)

// TreatmentError is a treatment that failed on a specific shard.
type TreatmentError struct {
	ShardID   int
	Treatment string
	Err       error
}

func (e *TreatmentError) Error() string {
	return fmt.Sprintf("shard %d, treatment %s: %v", e.ShardID, e.Treatment, e.Err)
}

func (e *TreatmentError) Unwrap() error {
	return e.Err
}

// Options tune a single build.
type Options struct {
	// Nuclear forces a rebuild from scratch.
	Nuclear bool

	// Jobs bounds per-shard parallelism. Zero or less uses runtime.NumCPU().
	Jobs int
}

// Result summarizes a finished build.
type Result struct {
	// BuildID identifies this build in logs and the build lock file.
	BuildID string

	// Nuked is true when the build directory was wiped first.
	Nuked bool

	// Reason explains a nuke.
	Reason string

	// Applied lists, per treatment, the shard ids that received the
	// treatment during this build, in assignment order.
	Applied map[string][]int

	// Skipped lists treatments that have no split configured.
	Skipped []string

	// Elapsed is the wall time of the build.
	Elapsed time.Duration
}

// Params are the dependencies of a Builder.
type Params struct {
	// Config is the validated experiment config.
	Config *config.ExperimentConfig

	// ConfigPath locates the config file; relative patch, template and
	// symlink paths resolve against its directory.
	ConfigPath string

	// Root is the project root that holds the .bipolar directory.
	Root string

	// Runner executes hooks. Nil uses process.NewShellRunner().
	Runner process.Runner

	// Logger receives progress logs. Nil uses slog.Default().
	Logger *slog.Logger

	// Stdout and Stderr receive hook output. Nil discards it.
	Stdout io.Writer
	Stderr io.Writer

	// Metrics records build metrics. Nil uses telemetry.Global().
	Metrics *telemetry.Metrics
}

// Builder runs builds for one experiment.
//
// # Thread Safety
//
// A Builder may be reused for sequential builds. Concurrent builds of
// the same project are rejected by the build lock.
type Builder struct {
	cfg        *config.ExperimentConfig
	configPath string
	layout     shard.Layout
	manager    *shard.Manager
	applier    *treatment.Applier
	runner     process.Runner
	logger     *slog.Logger
	stdout     io.Writer
	stderr     io.Writer
	metrics    *telemetry.Metrics
}

// NewBuilder creates a Builder from p.
func NewBuilder(p Params) (*Builder, error) {
	if p.Config == nil {
		return nil, errors.New("build: nil config")
	}
	root, err := filepath.Abs(p.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving project root: %w", err)
	}
	configPath := p.ConfigPath
	if configPath == "" {
		configPath = filepath.Join(root, config.FileName)
	}
	if configPath, err = filepath.Abs(configPath); err != nil {
		return nil, fmt.Errorf("resolving config path: %w", err)
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

	layout := shard.NewLayout(root)
	return &Builder{
		cfg:        p.Config,
		configPath: configPath,
		layout:     layout,
		manager:    shard.NewManager(layout, p.Logger),
		applier:    treatment.NewApplier(p.Logger, filepath.Dir(configPath)),
		runner:     p.Runner,
		logger:     p.Logger,
		stdout:     p.Stdout,
		stderr:     p.Stderr,
		metrics:    p.Metrics,
	}, nil
}

// Layout returns the build directory layout.
func (b *Builder) Layout() shard.Layout {
	return b.layout
}

// Build brings the shards in line with the config.
//
// # Description
//
// Holds the build lock for the whole build, decides between reuse and
// nuke, ensures every shard in the window, applies newly due
// treatments, runs the per-shard build hook, renders templates, links
// shared paths, and finally saves the lockfile. The lockfile is only
// written after every step succeeded, so a failed build is redone by
// the next one; merges and patches already present are detected and
// skipped.
//
// # Outputs
//
//   - *Result: Summary of the build.
//   - error: buildlock.ErrLockHeld, *shard.CloneError, *process.HookError,
//     *TreatmentError, or an I/O error.
func (b *Builder) Build(ctx context.Context, opts Options) (res *Result, err error) {
	start := time.Now()
	jobs := opts.Jobs
	if jobs <= 0 {
		jobs = runtime.NumCPU()
	}

	res = &Result{BuildID: uuid.NewString(), Applied: map[string][]int{}}
	logger := b.logger.With("build", res.BuildID)

	lock, err := buildlock.Acquire(b.layout.BuildLockPath(), res.BuildID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr := lock.Release(); rerr != nil && err == nil {
			err = fmt.Errorf("releasing build lock: %w", rerr)
		}
	}()

	ctx, span := telemetry.StartSpan(ctx, "build",
		attribute.String("build.id", res.BuildID),
		attribute.Bool("build.nuclear", opts.Nuclear),
		attribute.Int("build.jobs", jobs))
	defer func() {
		res.Elapsed = time.Since(start)
		b.metrics.RecordBuild(ctx, res.Nuked, res.Elapsed.Seconds(), err)
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.SetSpanOK(span)
		}
		span.End()
	}()

	desired := lockfile.FromConfig(b.cfg)
	decision := lockfile.Decide(b.layout.LockfilePath(), desired, opts.Nuclear, logger)
	if !decision.Nuke {
		if _, cerr := b.manager.Control(); cerr != nil {
			decision = lockfile.Decision{Nuke: true, Reason: "control clone missing", Lock: desired}
		}
	}
	res.Nuked, res.Reason = decision.Nuke, decision.Reason
	state := decision.Lock

	if decision.Nuke {
		logger.Info("Rebuilding from scratch", "reason", decision.Reason)
		if err := b.prepareControl(ctx); err != nil {
			return res, err
		}
	} else {
		logger.Info("Reusing existing shards")
	}

	registry, created, err := b.ensureShards(ctx, jobs)
	if err != nil {
		return res, err
	}

	treatments, err := b.cfg.TreatmentList()
	if err != nil {
		return res, err
	}
	for _, t := range treatments {
		applied, skipped, err := b.applyTreatment(ctx, registry, state, t, created, jobs)
		if err != nil {
			return res, err
		}
		if skipped {
			res.Skipped = append(res.Skipped, t.TreatmentName())
			continue
		}
		res.Applied[t.TreatmentName()] = applied
	}

	if err := b.finishShards(ctx, registry, jobs); err != nil {
		return res, err
	}

	state.Assignment = b.cfg.Assignment.Clone()
	if err := state.Save(b.layout.LockfilePath()); err != nil {
		return res, fmt.Errorf("saving lockfile: %w", err)
	}
	logger.Info("Build complete", "nuked", res.Nuked, "elapsed", time.Since(start).Round(time.Millisecond))
	return res, nil
}

// prepareControl wipes the build directory, clones control, and runs
// the control_build hook.
func (b *Builder) prepareControl(ctx context.Context) error {
	ctx, span := telemetry.StartSpan(ctx, "build.prepare_control")
	defer span.End()

	if err := b.layout.Wipe(); err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("wiping build directory: %w", err)
	}
	control, err := b.manager.CloneControl(ctx, b.cfg.Repo, b.cfg.Base)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	if b.cfg.Hooks.ControlBuild == "" {
		return nil
	}
	b.logger.Info("Running control_build hook", "dir", control)
	err = b.runner.Run(ctx, process.Command{
		Name:   "control_build",
		Script: b.cfg.Hooks.ControlBuild,
		Dir:    control,
		Env:    process.MergeEnv(os.Environ(), b.cfg.Environment),
		Stdout: b.stdout,
		Stderr: b.stderr,
	})
	telemetry.RecordError(span, err)
	return err
}

// ensureShards creates missing shard copies for the window. The returned
// set holds the ids whose copy was created by this call.
func (b *Builder) ensureShards(ctx context.Context, jobs int) (*shard.Registry, map[int]bool, error) {
	ctx, span := telemetry.StartSpan(ctx, "build.ensure_shards",
		attribute.Int("shards", b.cfg.MinMax.Len()))
	defer span.End()

	registry := shard.NewRegistry(b.cfg.MinMax)
	fresh := make([]bool, b.cfg.MinMax.Len())
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(jobs)
	for _, id := range b.cfg.MinMax.IDs() {
		g.Go(func() error {
			s, created, err := b.manager.EnsureShard(gctx, id)
			if err != nil {
				return err
			}
			b.metrics.RecordShard(gctx, created)
			if created {
				fresh[id-b.cfg.MinMax.Min()] = true
			}
			return registry.Put(s)
		})
	}
	if err := g.Wait(); err != nil {
		telemetry.RecordError(span, err)
		return nil, nil, err
	}
	created := make(map[int]bool)
	for i, ok := range fresh {
		if ok {
			created[b.cfg.MinMax.Min()+i] = true
		}
	}
	return registry, created, nil
}

// applyTreatment applies t to every newly due shard in the window and
// records them in lock. Shards recorded as treated whose copy was
// recreated in this build get the treatment again without being
// recorded twice.
func (b *Builder) applyTreatment(ctx context.Context, registry *shard.Registry, lock *lockfile.LockFile, t config.Treatment, created map[int]bool, jobs int) ([]int, bool, error) {
	name := t.TreatmentName()
	plan, ok := assign.PlanFor(b.cfg.Assignment, name, b.cfg.ShardCount, b.cfg.MinMax)
	if !ok {
		b.logger.Warn("No split configured for treatment, skipping", "treatment", name)
		return nil, true, nil
	}

	already := lock.AppliedTo(name)
	var repair []int
	for _, id := range already {
		if created[id] {
			repair = append(repair, id)
		}
	}
	due := plan.Pending(already, b.cfg.MinMax)

	ctx, span := telemetry.StartSpan(ctx, "build.apply_treatment",
		attribute.String("treatment", name),
		attribute.Int("selected", plan.Count),
		attribute.Int("due", len(due)))
	defer span.End()

	b.logger.Info("Applying treatment",
		"treatment", name,
		"selected", plan.Count,
		"already_applied", len(already),
		"due", due)
	if len(repair) > 0 {
		b.logger.Warn("Reapplying treatment to recreated shards", "treatment", name, "shards", repair)
	}

	targets := make([]*shard.Shard, 0, len(repair)+len(due))
	for _, id := range append(repair, due...) {
		s, ok := registry.Get(id)
		if !ok {
			return nil, false, &TreatmentError{ShardID: id, Treatment: name, Err: shard.ErrControlMissing}
		}
		targets = append(targets, s)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(jobs)
	for _, s := range targets {
		id := s.ID
		g.Go(func() error {
			outcome, err := b.applier.Apply(gctx, s, t)
			if err != nil {
				return &TreatmentError{ShardID: id, Treatment: name, Err: err}
			}
			b.metrics.RecordTreatment(gctx, name, outcome.String())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		telemetry.RecordError(span, err)
		return nil, false, err
	}

	lock.Record(name, due...)
	return due, false, nil
}

// finishShards runs the build hook, renders templates, and links shared
// paths in every shard of the window.
func (b *Builder) finishShards(ctx context.Context, registry *shard.Registry, jobs int) error {
	ctx, span := telemetry.StartSpan(ctx, "build.finish_shards")
	defer span.End()

	var templateDir string
	var templateConfig map[string]string
	if t := b.cfg.Templating; t != nil {
		templateDir = config.ResolveRelative(b.configPath, t.Path)
		templateConfig = t.Config
	}
	var linkSource string
	var linkPaths []string
	if l := b.cfg.Symlinks; l != nil {
		linkSource = config.ResolveRelative(b.configPath, l.Source)
		linkPaths = l.Paths
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(jobs)
	for _, s := range registry.All() {
		g.Go(func() error {
			if b.cfg.Hooks.Build != "" {
				err := b.runner.Run(gctx, process.Command{
					Name:   "build",
					Script: b.cfg.Hooks.Build,
					Dir:    s.Dir,
					Env:    process.ShardEnv(os.Environ(), b.cfg.Environment, s.ID, b.cfg.ShardCount),
					Stdout: b.stdout,
					Stderr: b.stderr,
				})
				if err != nil {
					return err
				}
			}
			if templateDir != "" {
				data := render.NewData(s.ID, b.cfg.ShardCount, templateConfig)
				if _, err := render.Templates(gctx, templateDir, s.Dir, data); err != nil {
					return fmt.Errorf("shard %d: %w", s.ID, err)
				}
			}
			if linkSource != "" {
				if _, err := render.Symlinks(linkSource, s.Dir, linkPaths); err != nil {
					return fmt.Errorf("shard %d: %w", s.ID, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	return nil
}
