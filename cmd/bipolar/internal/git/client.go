// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package git wraps the git command line for shard repositories.
//
// # Description
//
// Every operation shells out to the git binary with a per-call timeout,
// captures stderr into the returned error, and runs in the client's
// repository directory. The client carries no mutable state, so one
// client per shard can be used from any goroutine.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// DefaultTimeout bounds a single local git operation.
const DefaultTimeout = 2 * time.Minute

// CloneTimeout bounds a clone, which may cross the network.
const CloneTimeout = 30 * time.Minute

// Signature identifies the author and committer of generated commits.
type Signature struct {
	Name  string
	Email string
}

// SystemSignature is used for every treatment merge commit.
var SystemSignature = Signature{Name: "bipolar", Email: "bipolar@localhost"}

// Client executes git commands in one repository.
//
// # Description
//
// Executes git commands with a configurable timeout. Extra environment
// entries (for example GIT_INDEX_FILE) can be layered on with WithEnv.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Git itself serializes writes
// to a repository through its own lock files.
type Client struct {
	repoPath string
	timeout  time.Duration
	env      []string
	logger   *slog.Logger
}

// NewClient creates a git client for the repository at repoPath.
//
// # Inputs
//
//   - repoPath: Absolute path to the repository working tree.
//   - timeout: Maximum duration for each git operation. Zero uses DefaultTimeout.
//
// # Outputs
//
//   - *Client: Ready-to-use client.
//   - error: ErrNotAbsolute if repoPath is relative.
func NewClient(repoPath string, timeout time.Duration) (*Client, error) {
	if !filepath.IsAbs(repoPath) {
		return nil, fmt.Errorf("%w: %s", ErrNotAbsolute, repoPath)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		repoPath: repoPath,
		timeout:  timeout,
		logger:   slog.Default(),
	}, nil
}

// Dir returns the repository path.
func (g *Client) Dir() string {
	return g.repoPath
}

// WithEnv returns a copy of the client that adds env to every command.
func (g *Client) WithEnv(env ...string) *Client {
	cp := *g
	cp.env = append(append([]string(nil), g.env...), env...)
	return &cp
}

// WithLogger returns a copy of the client that logs to logger.
func (g *Client) WithLogger(logger *slog.Logger) *Client {
	cp := *g
	cp.logger = logger
	return &cp
}

type invocation struct {
	args  []string
	env   []string
	stdin io.Reader
}

// invoke runs git and returns trimmed stdout. Failures are *CommandError.
func (g *Client) invoke(ctx context.Context, inv invocation) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", inv.args...)
	cmd.Dir = g.repoPath
	if len(g.env) > 0 || len(inv.env) > 0 {
		cmd.Env = append(append(os.Environ(), g.env...), inv.env...)
	}
	cmd.Stdin = inv.stdin

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	g.logger.Debug("git",
		"dir", g.repoPath,
		"args", strings.Join(inv.args, " "),
		"duration", time.Since(start))
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("git %s: timeout after %v", inv.args[0], g.timeout)
		}
		cerr := &CommandError{
			Args:     inv.args,
			ExitCode: -1,
			Stdout:   stdout.String(),
			Stderr:   strings.TrimSpace(stderr.String()),
			Err:      err,
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			cerr.ExitCode = exitErr.ExitCode()
		}
		return "", cerr
	}
	return strings.TrimSpace(stdout.String()), nil
}

// run executes a git command and returns stdout.
func (g *Client) run(ctx context.Context, args ...string) (string, error) {
	return g.invoke(ctx, invocation{args: args})
}

// runSilent executes a git command and returns only success/failure.
func (g *Client) runSilent(ctx context.Context, args ...string) error {
	_, err := g.run(ctx, args...)
	return err
}

// Clone clones url into dest.
//
// # Description
//
// Runs `git clone` from dest's parent directory. dest must not exist.
// The returned client is bound to dest.
//
// # Outputs
//
//   - *Client: Client for the new working copy.
//   - error: *CommandError if git fails (network, auth, bad url).
func Clone(ctx context.Context, url, dest string) (*Client, error) {
	parent, err := NewClient(filepath.Dir(dest), CloneTimeout)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(parent.repoPath, 0755); err != nil {
		return nil, fmt.Errorf("creating clone parent: %w", err)
	}
	if err := parent.runSilent(ctx, "clone", "--quiet", "--", url, dest); err != nil {
		return nil, err
	}
	return NewClient(dest, DefaultTimeout)
}

// RevParse resolves a git ref to an object id.
func (g *Client) RevParse(ctx context.Context, ref string) (string, error) {
	sha, err := g.run(ctx, "rev-parse", "--verify", "--quiet", "--end-of-options", ref)
	if err != nil {
		return "", fmt.Errorf("resolving ref %s: %w", ref, err)
	}
	return sha, nil
}

// ResolveCommit resolves rev to a commit id.
//
// # Outputs
//
//   - string: Full commit id.
//   - error: *RevisionError if rev does not name a commit.
func (g *Client) ResolveCommit(ctx context.Context, rev string) (string, error) {
	sha, err := g.run(ctx, "rev-parse", "--verify", "--quiet", "--end-of-options", rev+"^{commit}")
	if err != nil {
		return "", &RevisionError{Rev: rev, Err: err}
	}
	return sha, nil
}

// RefExists checks if a fully-qualified ref exists.
func (g *Client) RefExists(ctx context.Context, ref string) bool {
	return g.runSilent(ctx, "show-ref", "--verify", "--quiet", ref) == nil
}

// Checkout switches to a branch or revision.
func (g *Client) Checkout(ctx context.Context, ref string) error {
	return g.runSilent(ctx, "checkout", "--quiet", ref)
}

// CheckoutTracking creates branch from upstream, sets it to track
// upstream and checks it out.
func (g *Client) CheckoutTracking(ctx context.Context, branch, upstream string) error {
	return g.runSilent(ctx, "checkout", "--quiet", "--track", "-b", branch, upstream)
}

// CheckoutDetached checks out rev with a detached HEAD.
func (g *Client) CheckoutDetached(ctx context.Context, rev string) error {
	return g.runSilent(ctx, "checkout", "--quiet", "--detach", rev)
}

// ResetHard moves HEAD to ref and forces the index and working tree to match.
func (g *Client) ResetHard(ctx context.Context, ref string) error {
	return g.runSilent(ctx, "reset", "--quiet", "--hard", ref)
}

// ResetIndex resets the index to HEAD and leaves the working tree alone.
func (g *Client) ResetIndex(ctx context.Context) error {
	return g.runSilent(ctx, "reset", "--quiet")
}

// Dirty reports whether the working tree differs from HEAD, counting
// untracked files that are not ignored.
func (g *Client) Dirty(ctx context.Context) (bool, error) {
	out, err := g.run(ctx, "status", "--porcelain", "--untracked-files=all")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// AddAll stages every change in the working tree, including new and
// deleted files.
func (g *Client) AddAll(ctx context.Context) error {
	return g.runSilent(ctx, "add", "--all")
}

// Head returns the commit id HEAD points at.
func (g *Client) Head(ctx context.Context) (string, error) {
	return g.ResolveCommit(ctx, "HEAD")
}

// TreeOf returns the tree id of a commit.
func (g *Client) TreeOf(ctx context.Context, commit string) (string, error) {
	return g.RevParse(ctx, commit+"^{tree}")
}

// Parents returns the parent commit ids of commit.
func (g *Client) Parents(ctx context.Context, commit string) ([]string, error) {
	out, err := g.run(ctx, "rev-list", "--parents", "-n", "1", commit)
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return nil, fmt.Errorf("rev-list returned nothing for %s", commit)
	}
	return fields[1:], nil
}

// MergeBase returns the best common ancestor of a and b.
//
// # Outputs
//
//   - string: The merge base commit id.
//   - error: ErrNoMergeBase when the histories are unrelated.
func (g *Client) MergeBase(ctx context.Context, a, b string) (string, error) {
	out, err := g.run(ctx, "merge-base", a, b)
	if err != nil {
		var cerr *CommandError
		if errors.As(err, &cerr) && cerr.ExitCode == 1 {
			return "", fmt.Errorf("%w: %s and %s", ErrNoMergeBase, a, b)
		}
		return "", err
	}
	return out, nil
}

// IsAncestor reports whether ancestor is reachable from descendant.
func (g *Client) IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error) {
	err := g.runSilent(ctx, "merge-base", "--is-ancestor", ancestor, descendant)
	if err == nil {
		return true, nil
	}
	var cerr *CommandError
	if errors.As(err, &cerr) && cerr.ExitCode == 1 {
		return false, nil
	}
	return false, err
}

// CommitTree creates a commit object for tree with the given parents.
//
// # Description
//
// Author and committer are both set to sig; the dates come from the
// current time. Does not move any ref.
func (g *Client) CommitTree(ctx context.Context, tree string, parents []string, message string, sig Signature) (string, error) {
	args := []string{"commit-tree", tree}
	for _, p := range parents {
		args = append(args, "-p", p)
	}
	args = append(args, "-m", message)
	return g.invoke(ctx, invocation{
		args: args,
		env: []string{
			"GIT_AUTHOR_NAME=" + sig.Name,
			"GIT_AUTHOR_EMAIL=" + sig.Email,
			"GIT_COMMITTER_NAME=" + sig.Name,
			"GIT_COMMITTER_EMAIL=" + sig.Email,
		},
	})
}

// ReadTree loads tree into the index.
func (g *Client) ReadTree(ctx context.Context, tree string) error {
	return g.runSilent(ctx, "read-tree", tree)
}

// ReadTreeInto loads tree into the index and forces the working tree to
// match it, overwriting local changes to the affected paths.
func (g *Client) ReadTreeInto(ctx context.Context, tree string) error {
	return g.runSilent(ctx, "read-tree", "--reset", "-u", tree)
}

// UpdateIndexInfo feeds "<mode> <oid> <stage>\t<path>" records to
// `git update-index -z --index-info`. Mode "0" removes the path.
func (g *Client) UpdateIndexInfo(ctx context.Context, records []string) error {
	if len(records) == 0 {
		return nil
	}
	_, err := g.invoke(ctx, invocation{
		args:  []string{"update-index", "-z", "--index-info"},
		stdin: strings.NewReader(strings.Join(records, "\x00") + "\x00"),
	})
	return err
}

// WriteTree writes the index as a tree and returns its id.
func (g *Client) WriteTree(ctx context.Context) (string, error) {
	return g.run(ctx, "write-tree")
}

// Apply runs `git apply` with args. Output from both streams is returned
// on failure inside the *CommandError.
func (g *Client) Apply(ctx context.Context, args ...string) error {
	return g.runSilent(ctx, append([]string{"apply"}, args...)...)
}

// Toplevel returns the working tree root containing the client's directory.
func (g *Client) Toplevel(ctx context.Context) (string, error) {
	return g.run(ctx, "rev-parse", "--show-toplevel")
}

// RemoteURL returns the fetch url of a remote.
func (g *Client) RemoteURL(ctx context.Context, remote string) (string, error) {
	return g.run(ctx, "remote", "get-url", remote)
}

// Discover returns the root of the repository enclosing dir.
func Discover(ctx context.Context, dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	c, err := NewClient(abs, DefaultTimeout)
	if err != nil {
		return "", err
	}
	root, err := c.Toplevel(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrNotRepository, abs, err)
	}
	return filepath.Clean(root), nil
}
