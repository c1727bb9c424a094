// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package process

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"
)

// -----------------------------------------------------------------------------
// Mock Implementation for Testing
// -----------------------------------------------------------------------------

// MockRunner is a test double for Runner.
//
// Configure the mock by setting function fields before use. A nil RunFunc
// succeeds; a nil StartFunc returns a MockChild that runs until killed.
//
// # Examples
//
//	mock := &MockRunner{
//	    RunFunc: func(ctx context.Context, c Command) error {
//	        if c.Name == "build" {
//	            return errors.New("boom")
//	        }
//	        return nil
//	    },
//	}
type MockRunner struct {
	// RunFunc is called when Run is invoked
	RunFunc func(ctx context.Context, c Command) error

	// StartFunc is called when Start is invoked
	StartFunc func(c Command) (Child, error)

	// Calls records all method invocations for verification
	Calls []RunnerCall

	// mu protects Calls for concurrent access
	mu      sync.Mutex
	nextPid int
}

// RunnerCall records a single method invocation.
type RunnerCall struct {
	Method  string
	Command Command
	At      time.Time
}

// Run delegates to RunFunc and records the call.
func (m *MockRunner) Run(ctx context.Context, c Command) error {
	m.record("Run", c)
	if m.RunFunc == nil {
		return nil
	}
	return m.RunFunc(ctx, c)
}

// Start delegates to StartFunc and records the call.
func (m *MockRunner) Start(c Command) (Child, error) {
	m.record("Start", c)
	if m.StartFunc != nil {
		return m.StartFunc(c)
	}
	m.mu.Lock()
	m.nextPid++
	pid := 1000 + m.nextPid
	m.mu.Unlock()
	return NewMockChild(pid), nil
}

func (m *MockRunner) record(method string, c Command) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, RunnerCall{Method: method, Command: c, At: time.Now()})
}

// GetCalls returns a copy of all recorded calls.
func (m *MockRunner) GetCalls() []RunnerCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]RunnerCall, len(m.Calls))
	copy(result, m.Calls)
	return result
}

// CallsTo returns the recorded calls for one method.
func (m *MockRunner) CallsTo(method string) []RunnerCall {
	var out []RunnerCall
	for _, c := range m.GetCalls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// MockChild is a fake long-running child.
type MockChild struct {
	pid     int
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	killed  bool
	KillErr error
}

// NewMockChild returns a child that runs until Kill or Exit is called.
func NewMockChild(pid int) *MockChild {
	return &MockChild{pid: pid, done: make(chan struct{})}
}

func (c *MockChild) Pid() int { return c.pid }

// Wait blocks until the child is killed or exits.
func (c *MockChild) Wait() error {
	<-c.done
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.killed {
		return fmt.Errorf("signal: killed")
	}
	return nil
}

// Kill terminates the child unless KillErr is set.
func (c *MockChild) Kill() error {
	if c.KillErr != nil {
		return c.KillErr
	}
	select {
	case <-c.done:
		return fmt.Errorf("pid %d: %w", c.pid, os.ErrProcessDone)
	default:
	}
	c.mu.Lock()
	c.killed = true
	c.mu.Unlock()
	c.once.Do(func() { close(c.done) })
	return nil
}

// Exit makes the child exit on its own.
func (c *MockChild) Exit() {
	c.once.Do(func() { close(c.done) })
}

// Killed reports whether Kill terminated the child.
func (c *MockChild) Killed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.killed
}

// Compile-time interface compliance check.
var (
	_ Runner = (*MockRunner)(nil)
	_ Child  = (*MockChild)(nil)
)
