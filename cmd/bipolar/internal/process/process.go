// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package process runs hook command strings through the system shell.

Hooks are plain strings from the experiment config ("make build",
"./server --port 8080"). They run through `sh -c` on unix and `cmd /C`
on Windows, either synchronously (build hooks) or as long-lived children
(run hooks).

All hook execution goes through the Runner interface so the build and
the supervisor can be tested without spawning real processes.
*/
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// -----------------------------------------------------------------------------
// Interface Definition
// -----------------------------------------------------------------------------

// Command describes one hook invocation.
type Command struct {
	// Name identifies the hook in errors and logs ("build", "run").
	Name string

	// Script is the shell command string.
	Script string

	// Dir is the working directory.
	Dir string

	// Env is the complete child environment. Nil inherits the parent's.
	Env []string

	// Stdout and Stderr receive the child's output. Nil discards it.
	Stdout io.Writer
	Stderr io.Writer
}

// Runner executes hook commands.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use from multiple goroutines.
type Runner interface {
	// Run executes cmd and blocks until it exits.
	//
	// # Outputs
	//
	//   - error: *HookError on non-zero exit or spawn failure.
	Run(ctx context.Context, cmd Command) error

	// Start launches cmd and returns without waiting.
	//
	// The child is placed in its own process group on unix so Kill takes
	// down everything the shell started.
	Start(cmd Command) (Child, error)
}

// Child is a running process started by Runner.Start.
type Child interface {
	// Pid returns the operating system process id.
	Pid() int

	// Wait blocks until the child exits. Safe to call once.
	Wait() error

	// Kill forcibly terminates the child and its process group. Returns
	// an error wrapping os.ErrProcessDone if the child had already exited.
	Kill() error
}

// HookError is a hook that failed to start or exited non-zero.
type HookError struct {
	Name     string
	Script   string
	Dir      string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *HookError) Error() string {
	msg := fmt.Sprintf("%s hook %q in %s: %v", e.Name, e.Script, e.Dir, e.Err)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *HookError) Unwrap() error {
	return e.Err
}

// -----------------------------------------------------------------------------
// Implementation
// -----------------------------------------------------------------------------

// stderrTailBytes bounds how much stderr a HookError carries.
const stderrTailBytes = 4096

// ShellRunner implements Runner with os/exec and the platform shell.
type ShellRunner struct{}

// NewShellRunner creates a ShellRunner.
func NewShellRunner() *ShellRunner {
	return &ShellRunner{}
}

func (r *ShellRunner) command(c Command) *exec.Cmd {
	name, args := shellArgs(c.Script)
	cmd := exec.Command(name, args...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	cmd.Stdout = c.Stdout
	return cmd
}

// Run executes the hook synchronously.
func (r *ShellRunner) Run(ctx context.Context, c Command) error {
	name, args := shellArgs(c.Script)
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	cmd.Stdout = c.Stdout

	tail := &tailBuffer{limit: stderrTailBytes}
	if c.Stderr != nil {
		cmd.Stderr = io.MultiWriter(c.Stderr, tail)
	} else {
		cmd.Stderr = tail
	}

	if err := cmd.Run(); err != nil {
		herr := &HookError{
			Name:     c.Name,
			Script:   c.Script,
			Dir:      c.Dir,
			ExitCode: -1,
			Stderr:   strings.TrimSpace(tail.String()),
			Err:      err,
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			herr.ExitCode = exitErr.ExitCode()
		}
		return herr
	}
	return nil
}

// Start launches the hook in the background.
func (r *ShellRunner) Start(c Command) (Child, error) {
	cmd := r.command(c)
	cmd.Stderr = c.Stderr
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, &HookError{Name: c.Name, Script: c.Script, Dir: c.Dir, ExitCode: -1, Err: err}
	}
	return &osChild{cmd: cmd}, nil
}

// osChild wraps a started exec.Cmd.
type osChild struct {
	cmd    *exec.Cmd
	exited atomic.Bool
}

func (c *osChild) Pid() int {
	return c.cmd.Process.Pid
}

func (c *osChild) Wait() error {
	err := c.cmd.Wait()
	c.exited.Store(true)
	return err
}

func (c *osChild) Kill() error {
	if c.exited.Load() {
		return fmt.Errorf("pid %d: %w", c.Pid(), os.ErrProcessDone)
	}
	return killGroup(c.cmd.Process)
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// MergeEnv returns base with overrides applied, later keys winning.
// Entries are KEY=VALUE strings. Existing keys keep their position; new
// keys are appended in sorted order per override map.
func MergeEnv(base []string, overrides ...map[string]string) []string {
	out := append([]string(nil), base...)
	index := make(map[string]int, len(out))
	for i, kv := range out {
		k, _, _ := strings.Cut(kv, "=")
		index[k] = i
	}
	for _, m := range overrides {
		for _, k := range sortedKeys(m) {
			kv := k + "=" + m[k]
			if i, ok := index[k]; ok {
				out[i] = kv
				continue
			}
			index[k] = len(out)
			out = append(out, kv)
		}
	}
	return out
}

// Environment variables every shard hook receives.
const (
	EnvShardID    = "BIPOLAR_SHARD_ID"
	EnvShardCount = "BIPOLAR_SHARD_COUNT"
)

// ShardEnv returns base plus the configured environment plus the shard
// identity variables. base is not modified.
func ShardEnv(base []string, env map[string]string, shardID, shardCount int) []string {
	return MergeEnv(base, env, map[string]string{
		EnvShardID:    strconv.Itoa(shardID),
		EnvShardCount: strconv.Itoa(shardCount),
	})
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Compile-time interface compliance check.
var (
	_ Runner = (*ShellRunner)(nil)
	_ Child  = (*osChild)(nil)
)
