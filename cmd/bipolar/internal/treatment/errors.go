// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package treatment

import (
	"errors"
	"fmt"
)

// ErrEmptyPatch indicates a patch file that contains no file diffs.
var ErrEmptyPatch = errors.New("patch contains no file diffs")

// MergeError is a Branch or Commit treatment that could not be merged.
type MergeError struct {
	Treatment string
	Target    string
	Err       error
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("merging treatment %s (%s): %v", e.Treatment, e.Target, e.Err)
}

func (e *MergeError) Unwrap() error {
	return e.Err
}

// PatchApplyError is a Patch treatment that git refused to apply.
type PatchApplyError struct {
	PatchFile string
	Output    string
	Err       error
}

func (e *PatchApplyError) Error() string {
	msg := fmt.Sprintf("applying patch %s: %v", e.PatchFile, e.Err)
	if e.Output != "" {
		msg += "\n" + e.Output
	}
	return msg
}

func (e *PatchApplyError) Unwrap() error {
	return e.Err
}
