// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package buildlock serializes builds of one project with an advisory
// file lock on .bipolar/.lock.
package buildlock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrLockHeld indicates another build holds the lock.
var ErrLockHeld = errors.New("another build is in progress")

// HeldError is returned when the lock is already taken. Holder is the
// content the holding build wrote into the lock file, if readable.
type HeldError struct {
	Path   string
	Holder string
}

func (e *HeldError) Error() string {
	if e.Holder == "" {
		return fmt.Sprintf("%v (%s)", ErrLockHeld, e.Path)
	}
	return fmt.Sprintf("%v (%s held by %s)", ErrLockHeld, e.Path, e.Holder)
}

func (e *HeldError) Is(target error) bool {
	return target == ErrLockHeld
}

// Lock is an acquired build lock.
//
// # Thread Safety
//
// Release may be called from any goroutine but only once takes effect.
type Lock struct {
	path string
	file *os.File
}

// Acquire takes the exclusive build lock at path without blocking.
//
// # Description
//
// Creates the lock file if needed, locks it, then records the current
// pid and buildID in it for the benefit of a build that finds it held.
// The lock is released when Release is called or the process exits.
//
// # Inputs
//
//   - path: Lock file path, normally .bipolar/.lock.
//   - buildID: Identifier of the acquiring build.
//
// # Outputs
//
//   - *Lock: The held lock.
//   - error: *HeldError (matching ErrLockHeld) if another build holds it.
func Acquire(path, buildID string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		if errors.Is(err, errWouldBlock) {
			return nil, &HeldError{Path: path, Holder: readHolder(path)}
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}

	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(fmt.Sprintf("pid=%d build=%s\n", os.Getpid(), buildID)), 0)
	}
	return &Lock{path: path, file: f}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release unlocks and closes the lock file. The file itself is kept.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	_ = f.Truncate(0)
	uerr := unlockFile(f)
	cerr := f.Close()
	return errors.Join(uerr, cerr)
}

func readHolder(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
