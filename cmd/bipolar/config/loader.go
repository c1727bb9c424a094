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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/bipolar/cmd/bipolar/internal/git"
)

// Format identifies the on-disk encoding of a config file.
type Format string

const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

// FormatFor picks the encoding from a file extension.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

// Load reads, decodes and validates the config at path.
//
// # Description
//
// Unknown keys are rejected so that a misspelled field fails loudly
// instead of silently falling back to its zero value.
//
// # Outputs
//
//   - *ExperimentConfig: The validated config.
//   - error: ErrConfigNotFound, *ParseError or *ValidationError.
func Load(path string) (*ExperimentConfig, error) {
	format, err := FormatFor(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("failed to read the config file: %w", err)
	}
	cfg, err := Decode(data, format)
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	if err := Validate(cfg); err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			verr.Path = path
		}
		return nil, err
	}
	return cfg, nil
}

// Decode parses data without validating it.
func Decode(data []byte, format Format) (*ExperimentConfig, error) {
	cfg := &ExperimentConfig{}
	switch format {
	case FormatTOML:
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			var strict *toml.StrictMissingError
			if errors.As(err, &strict) {
				return nil, errors.New(strict.String())
			}
			return nil, err
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	return cfg, nil
}

// Encode serializes cfg in the given format.
func Encode(cfg *ExperimentConfig, format Format) ([]byte, error) {
	switch format {
	case FormatTOML:
		return toml.Marshal(cfg)
	case FormatYAML:
		return yaml.Marshal(cfg)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

// Save writes cfg to path, creating parent directories as needed.
func Save(path string, cfg *ExperimentConfig) error {
	format, err := FormatFor(path)
	if err != nil {
		return err
	}
	data, err := Encode(cfg, format)
	if err != nil {
		return fmt.Errorf("failed to encode the config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// ResolvePath returns explicit if set, otherwise <root>/bipolar.toml.
func ResolvePath(explicit, root string) string {
	if explicit != "" {
		return explicit
	}
	return filepath.Join(root, FileName)
}

// ResolveRelative interprets p relative to the directory holding the
// config file. Absolute paths are returned unchanged.
func ResolveRelative(configPath, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(filepath.Dir(configPath), p)
}

// FindRoot returns the root of the git working tree enclosing dir. The
// config file and the .bipolar state directory both live there.
func FindRoot(ctx context.Context, dir string) (string, error) {
	root, err := git.Discover(ctx, dir)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNotInRepository, err)
	}
	return root, nil
}
