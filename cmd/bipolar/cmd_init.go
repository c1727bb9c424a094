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
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/bipolar/cmd/bipolar/config"
	"github.com/AleutianAI/bipolar/cmd/bipolar/internal/git"
	"github.com/AleutianAI/bipolar/pkg/ux"
)

// runInit writes a starter config for the enclosing repository.
//
// # Description
//
// The repo url comes from the origin remote and base from the current
// HEAD commit. The name defaults to the last segment of the origin url.
// Everything else takes the config defaults: one shard, an empty minmax
// window, a Random strategy with seed 0 and no treatments.
func runInit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	root, path, err := locateConfig(ctx)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("%w: %s (use --force to overwrite)", config.ErrConfigExists, path)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	client, err := git.NewClient(root, 0)
	if err != nil {
		return err
	}
	repo, err := client.RemoteURL(ctx, "origin")
	if err != nil {
		return fmt.Errorf("%w: %w", config.ErrNoOrigin, err)
	}
	base, err := client.Head(ctx)
	if err != nil {
		return err
	}

	cfg := config.DefaultConfig()
	cfg.Repo = repo
	cfg.Base = base
	cfg.Name = initName
	if cfg.Name == "" {
		cfg.Name = nameFromURL(repo)
	}
	if cfg.Name == "" {
		cfg.Name = filepath.Base(root)
	}

	if err := config.Save(path, &cfg); err != nil {
		return err
	}
	slog.Debug("Wrote config", "path", path, "name", cfg.Name, "base", cfg.Base)

	out := ux.NewPrinter(cmd.OutOrStdout())
	out.Success("Wrote " + path)
	out.Field("name", cfg.Name)
	out.Field("repo", cfg.Repo)
	out.Field("base", cfg.Base)
	out.Muted("Add treatments and a split, then run `bipolar build`.")
	return nil
}
