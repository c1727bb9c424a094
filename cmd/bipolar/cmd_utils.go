// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/bipolar/cmd/bipolar/config"
)

// project is a loaded experiment and where it lives.
type project struct {
	Root       string
	ConfigPath string
	Config     *config.ExperimentConfig
}

// locateConfig returns the repository root and the config path, honouring
// --config. The config file need not exist yet.
func locateConfig(ctx context.Context) (root, path string, err error) {
	if configPath != "" {
		path, err = filepath.Abs(configPath)
		if err != nil {
			return "", "", err
		}
		root, err = config.FindRoot(ctx, filepath.Dir(path))
		return root, path, err
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", "", err
	}
	root, err = config.FindRoot(ctx, wd)
	if err != nil {
		return "", "", err
	}
	return root, config.ResolvePath("", root), nil
}

// loadProject locates, loads and validates the experiment config.
func loadProject(ctx context.Context) (*project, error) {
	root, path, err := locateConfig(ctx)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return &project{Root: root, ConfigPath: path, Config: cfg}, nil
}

// nameFromURL derives an experiment name from a clone url: the last path
// segment with any .git suffix removed.
//
//	git@github.com:org/service.git -> service
//	https://example.com/org/service/ -> service
func nameFromURL(url string) string {
	u := strings.TrimRight(url, "/")
	if i := strings.LastIndexAny(u, "/:\\"); i >= 0 {
		u = u[i+1:]
	}
	return strings.TrimSuffix(u, ".git")
}

func plural(n int, word string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, word)
	}
	return fmt.Sprintf("%d %ss", n, word)
}
