// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package git

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotAbsolute indicates a repository path that is not absolute.
	ErrNotAbsolute = errors.New("repository path must be absolute")

	// ErrNotRepository indicates a directory outside any git working tree.
	ErrNotRepository = errors.New("not a git repository")

	// ErrNoMergeBase indicates two commits share no history.
	ErrNoMergeBase = errors.New("no merge base")

	// ErrGitTooOld indicates the installed git lacks a required feature.
	ErrGitTooOld = errors.New("git version too old")
)

// CommandError is a git invocation that exited unsuccessfully.
type CommandError struct {
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// RevisionError is a revision or reference that could not be resolved.
type RevisionError struct {
	Rev string
	Err error
}

func (e *RevisionError) Error() string {
	return fmt.Sprintf("cannot resolve revision %q: %v", e.Rev, e.Err)
}

func (e *RevisionError) Unwrap() error {
	return e.Err
}
