// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package treatment applies one treatment to one shard.
//
// # Description
//
// Branch and Commit treatments are merged with an in-memory three-way
// merge whose conflicts always resolve toward the shard's current
// content. Patch treatments are applied to the working tree with
// `git apply` and never committed; a later merge on the same shard
// carries those edits forward as uncommitted changes. Both paths detect work that is
// already present and skip it, so re-running a build after a crash
// does not apply anything twice.
package treatment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/AleutianAI/bipolar/cmd/bipolar/config"
	"github.com/AleutianAI/bipolar/cmd/bipolar/internal/git"
	"github.com/AleutianAI/bipolar/cmd/bipolar/internal/shard"
)

// Outcome reports what Apply did to the shard.
type Outcome int

const (
	// Merged means a merge commit was created.
	Merged Outcome = iota + 1

	// Patched means the patch was applied to the working tree.
	Patched

	// AlreadyApplied means the shard already contained the treatment.
	AlreadyApplied
)

func (o Outcome) String() string {
	switch o {
	case Merged:
		return "merged"
	case Patched:
		return "patched"
	case AlreadyApplied:
		return "already_applied"
	default:
		return "unknown"
	}
}

// Applier applies treatments to shards.
//
// # Thread Safety
//
// Safe for concurrent use across different shards. Two goroutines must
// not apply to the same shard at once.
type Applier struct {
	logger    *slog.Logger
	patchRoot string
}

// NewApplier creates an Applier.
//
// # Inputs
//
//   - logger: Destination for per-apply log lines. Nil uses slog.Default().
//   - patchRoot: Directory relative patch paths are resolved against,
//     normally the directory holding the config file.
func NewApplier(logger *slog.Logger, patchRoot string) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{logger: logger, patchRoot: patchRoot}
}

// Apply applies t to s.
//
// # Outputs
//
//   - Outcome: Merged, Patched, or AlreadyApplied.
//   - error: *git.RevisionError, *MergeError, or *PatchApplyError.
func (a *Applier) Apply(ctx context.Context, s *shard.Shard, t config.Treatment) (Outcome, error) {
	v := &applyVisitor{ctx: ctx, applier: a, shard: s}
	if err := t.Accept(v); err != nil {
		return 0, err
	}
	a.logger.Info("treatment applied",
		"shard", s.ID,
		"treatment", t.TreatmentName(),
		"outcome", v.outcome.String())
	return v.outcome, nil
}

// PatchPath resolves a patch file against the applier's patch root.
func (a *Applier) PatchPath(file string) string {
	if filepath.IsAbs(file) || a.patchRoot == "" {
		return file
	}
	return filepath.Join(a.patchRoot, file)
}

type applyVisitor struct {
	ctx     context.Context
	applier *Applier
	shard   *shard.Shard
	outcome Outcome
}

func (v *applyVisitor) VisitBranch(t config.Branch) error {
	out, err := v.applier.merge(v.ctx, v.shard, t.Name, t.Ref, "refs/remotes/origin/"+t.Ref)
	v.outcome = out
	return err
}

func (v *applyVisitor) VisitCommit(t config.Commit) error {
	out, err := v.applier.merge(v.ctx, v.shard, t.Name, t.Ref, t.Ref)
	v.outcome = out
	return err
}

func (v *applyVisitor) VisitPatch(t config.Patch) error {
	out, err := v.applier.patch(v.ctx, v.shard, t)
	v.outcome = out
	return err
}

// -----------------------------------------------------------------------------
// Merge
// -----------------------------------------------------------------------------

func (a *Applier) merge(ctx context.Context, s *shard.Shard, name, ref, rev string) (Outcome, error) {
	g := s.Git
	target, err := g.ResolveCommit(ctx, rev)
	if err != nil {
		return 0, err
	}
	head, err := g.Head(ctx)
	if err != nil {
		return 0, &MergeError{Treatment: name, Target: ref, Err: err}
	}

	present, err := g.IsAncestor(ctx, target, head)
	if err != nil {
		return 0, &MergeError{Treatment: name, Target: ref, Err: err}
	}
	if present {
		a.logger.Debug("treatment already merged", "shard", s.ID, "treatment", name, "target", target)
		return AlreadyApplied, nil
	}

	base, err := g.MergeBase(ctx, head, target)
	if err != nil {
		return 0, &MergeError{Treatment: name, Target: ref, Err: err}
	}
	result, err := g.MergeTree(ctx, base, head, target)
	if err != nil {
		return 0, &MergeError{Treatment: name, Target: ref, Err: err}
	}

	tree := result.Tree
	if !result.Clean() {
		a.logger.Warn("merge conflicts resolved toward shard content",
			"shard", s.ID,
			"treatment", name,
			"entries", len(result.Conflicts))
		tree, err = resolvedTree(ctx, g, result)
		if err != nil {
			return 0, &MergeError{Treatment: name, Target: ref, Err: err}
		}
	}

	msg := fmt.Sprintf("bipolar: apply treatment %s (%s)", name, ref)
	commit, err := g.CommitTree(ctx, tree, []string{head, target}, msg, git.SystemSignature)
	if err != nil {
		return 0, &MergeError{Treatment: name, Target: ref, Err: err}
	}
	carried, err := a.carryOver(ctx, s, head, commit)
	if err != nil {
		return 0, &MergeError{Treatment: name, Target: ref, Err: err}
	}
	if err := g.ResetHard(ctx, commit); err != nil {
		return 0, &MergeError{Treatment: name, Target: ref, Err: err}
	}
	if carried != "" {
		if err := g.ReadTreeInto(ctx, carried); err != nil {
			return 0, &MergeError{Treatment: name, Target: ref, Err: err}
		}
		if err := g.ResetIndex(ctx); err != nil {
			return 0, &MergeError{Treatment: name, Target: ref, Err: err}
		}
	}
	return Merged, nil
}

// carryOver replays uncommitted working tree changes, such as those left
// by an earlier patch treatment, on top of the merge commit. It returns
// the tree to restore after the reset, or "" when the tree is clean.
// The changes stay uncommitted.
func (a *Applier) carryOver(ctx context.Context, s *shard.Shard, head, merged string) (string, error) {
	g := s.Git
	dirty, err := g.Dirty(ctx)
	if err != nil || !dirty {
		return "", err
	}

	dir, err := os.MkdirTemp("", "bipolar-index-")
	if err != nil {
		return "", fmt.Errorf("creating temporary index dir: %w", err)
	}
	defer os.RemoveAll(dir)

	idx := g.WithEnv("GIT_INDEX_FILE=" + filepath.Join(dir, "index"))
	if err := idx.ReadTree(ctx, head); err != nil {
		return "", err
	}
	if err := idx.AddAll(ctx); err != nil {
		return "", err
	}
	tree, err := idx.WriteTree(ctx)
	if err != nil {
		return "", err
	}
	snapshot, err := g.CommitTree(ctx, tree, []string{head}, "bipolar: working tree snapshot", git.SystemSignature)
	if err != nil {
		return "", err
	}

	result, err := g.MergeTree(ctx, head, snapshot, merged)
	if err != nil {
		return "", err
	}
	if result.Clean() {
		return result.Tree, nil
	}
	a.logger.Warn("uncommitted changes conflict with merge, keeping shard content",
		"shard", s.ID,
		"entries", len(result.Conflicts))
	return resolvedTree(ctx, g, result)
}

// resolvedTree rewrites the conflicted paths of a merge result in a
// private index file and writes the resulting tree.
func resolvedTree(ctx context.Context, g *git.Client, result *git.MergeTreeResult) (string, error) {
	dir, err := os.MkdirTemp("", "bipolar-index-")
	if err != nil {
		return "", fmt.Errorf("creating temporary index dir: %w", err)
	}
	defer os.RemoveAll(dir)

	idx := g.WithEnv("GIT_INDEX_FILE=" + filepath.Join(dir, "index"))
	if err := idx.ReadTree(ctx, result.Tree); err != nil {
		return "", err
	}
	if err := idx.UpdateIndexInfo(ctx, ResolveConflicts(result.Conflicts)); err != nil {
		return "", err
	}
	return idx.WriteTree(ctx)
}

// -----------------------------------------------------------------------------
// Patch
// -----------------------------------------------------------------------------

func (a *Applier) patch(ctx context.Context, s *shard.Shard, t config.Patch) (Outcome, error) {
	path, err := filepath.Abs(a.PatchPath(t.File))
	if err != nil {
		return 0, &PatchApplyError{PatchFile: t.File, Err: err}
	}
	if err := preflight(path); err != nil {
		return 0, &PatchApplyError{PatchFile: path, Err: err}
	}

	if s.Git.Apply(ctx, "--check", "--reverse", "--ignore-whitespace", path) == nil {
		a.logger.Debug("patch already applied", "shard", s.ID, "treatment", t.Name, "patch", path)
		return AlreadyApplied, nil
	}

	if err := s.Git.Apply(ctx, "--ignore-whitespace", "--whitespace=nowarn", path); err != nil {
		perr := &PatchApplyError{PatchFile: path, Err: err}
		var cerr *git.CommandError
		if errors.As(err, &cerr) {
			perr.Output = strings.TrimSpace(cerr.Stderr + "\n" + cerr.Stdout)
			perr.Err = fmt.Errorf("git apply exited %d", cerr.ExitCode)
		}
		return 0, perr
	}
	return Patched, nil
}

// preflight rejects files that do not parse as a unified diff.
func preflight(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	files, err := diff.NewMultiFileDiffReader(strings.NewReader(string(data))).ReadAllFiles()
	if err != nil {
		return fmt.Errorf("parsing patch: %w", err)
	}
	if len(files) == 0 {
		return ErrEmptyPatch
	}
	return nil
}

// Compile-time interface compliance check.
var _ config.TreatmentVisitor = (*applyVisitor)(nil)
