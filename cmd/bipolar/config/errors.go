// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"strings"
)

// Sentinel errors for config loading.
var (
	// ErrConfigNotFound indicates no config file exists at the resolved path.
	ErrConfigNotFound = errors.New("config file not found")

	// ErrConfigExists indicates init would overwrite an existing config.
	ErrConfigExists = errors.New("config file already exists")

	// ErrUnsupportedFormat indicates an extension other than .toml/.yaml/.yml.
	ErrUnsupportedFormat = errors.New("unsupported config format")

	// ErrUnknownTreatmentType indicates a treatment "type" outside Branch/Commit/Patch.
	ErrUnknownTreatmentType = errors.New("unknown treatment type")

	// ErrNotInRepository indicates the working directory is not inside a git repository.
	ErrNotInRepository = errors.New("not inside a git repository")

	// ErrNoOrigin indicates the repository has no origin remote.
	ErrNoOrigin = errors.New("repository has no origin remote")
)

// ValidationError collects every problem found in a config.
type ValidationError struct {
	Path     string
	Problems []string
}

func (e *ValidationError) Error() string {
	var sb strings.Builder
	sb.WriteString("invalid config")
	if e.Path != "" {
		sb.WriteString(" ")
		sb.WriteString(e.Path)
	}
	sb.WriteString(": ")
	sb.WriteString(strings.Join(e.Problems, "; "))
	return sb.String()
}

// ParseError wraps a decode failure with the file it came from.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return "parse " + e.Path + ": " + e.Err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
