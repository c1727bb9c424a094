// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package render writes per-shard files into shard working copies:
// rendered templates and symlinks to shared paths.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"
)

// Data keys always present in the template data.
const (
	KeyShardID    = "shard_id"
	KeyShardCount = "shard_count"
	KeyConfig     = "config"
)

// NewData builds the template data for one shard.
//
// # Description
//
// The custom config map is available as .config and each of its keys is
// also promoted to the top level. The built-in keys shadow promoted keys
// of the same name.
func NewData(shardID, shardCount int, custom map[string]string) map[string]any {
	data := make(map[string]any, len(custom)+3)
	cfg := make(map[string]string, len(custom))
	for k, v := range custom {
		cfg[k] = v
		data[k] = v
	}
	data[KeyShardID] = shardID
	data[KeyShardCount] = shardCount
	data[KeyConfig] = cfg
	return data
}

// Funcs are the helpers available to every template.
var Funcs = template.FuncMap{
	"add": func(a, b int) int { return a + b },
	"mul": func(a, b int) int { return a * b },
	"atoi": func(s string) (int, error) {
		return strconv.Atoi(strings.TrimSpace(s))
	},
}

// TemplateError is a template that failed to parse or execute.
type TemplateError struct {
	File string
	Err  error
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("rendering template %s: %v", e.File, e.Err)
}

func (e *TemplateError) Unwrap() error {
	return e.Err
}

// Templates renders every non-hidden file under src into dst.
//
// # Description
//
// Each file is parsed with text/template and executed against data, then
// written to the same relative path under dst with the source file's
// permission bits. Any file or directory whose name starts with "." is
// skipped along with its contents. Existing files are overwritten.
//
// # Inputs
//
//   - ctx: Checked between files.
//   - src: Template directory.
//   - dst: Shard working copy.
//   - data: Result of NewData.
//
// # Outputs
//
//   - int: Number of files written.
//   - error: *TemplateError, or a filesystem error.
func Templates(ctx context.Context, src, dst string, data map[string]any) (int, error) {
	written := 0
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path != src && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out, err := execute(path, rel, data)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(target, out, info.Mode().Perm()); err != nil {
			return err
		}
		written++
		return nil
	})
	return written, err
}

func execute(path, rel string, data map[string]any) ([]byte, error) {
	text, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	tmpl, err := template.New(rel).Funcs(Funcs).Option("missingkey=error").Parse(string(text))
	if err != nil {
		return nil, &TemplateError{File: rel, Err: err}
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, &TemplateError{File: rel, Err: err}
	}
	return buf.Bytes(), nil
}

// ErrLinkConflict indicates a symlink destination occupied by a real
// file or directory.
var ErrLinkConflict = errors.New("path exists and is not a symlink")

// Symlinks links shared paths from source into dst.
//
// # Description
//
// Each entry of paths becomes dst/<path> pointing at the absolute
// source/<path>. An empty paths links every top-level entry of source.
// Existing symlinks are replaced. A real file or directory in the way
// is never removed.
//
// # Outputs
//
//   - int: Number of links created.
//   - error: ErrLinkConflict (wrapped), or a filesystem error.
func Symlinks(source, dst string, paths []string) (int, error) {
	source, err := filepath.Abs(source)
	if err != nil {
		return 0, err
	}
	if len(paths) == 0 {
		entries, err := os.ReadDir(source)
		if err != nil {
			return 0, fmt.Errorf("reading symlink source: %w", err)
		}
		for _, e := range entries {
			paths = append(paths, e.Name())
		}
	}

	linked := 0
	for _, p := range paths {
		target := filepath.Join(source, p)
		link := filepath.Join(dst, p)

		if info, err := os.Lstat(link); err == nil {
			if info.Mode()&fs.ModeSymlink == 0 {
				return linked, fmt.Errorf("%w: %s", ErrLinkConflict, link)
			}
			if err := os.Remove(link); err != nil {
				return linked, err
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return linked, err
		}

		if err := os.MkdirAll(filepath.Dir(link), 0755); err != nil {
			return linked, err
		}
		if err := os.Symlink(target, link); err != nil {
			return linked, fmt.Errorf("linking %s: %w", link, err)
		}
		linked++
	}
	return linked, nil
}
