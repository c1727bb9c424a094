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
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/bipolar/cmd/bipolar/internal/build"
	"github.com/AleutianAI/bipolar/cmd/bipolar/internal/watch"
	"github.com/AleutianAI/bipolar/pkg/ux"
)

// runWatch builds once and then rebuilds after every change to the
// config file until interrupted.
//
// # Description
//
// The config is reloaded on every change, so edits to the split grow the
// fleet incrementally and edits that shrink it trigger a rebuild. A
// failed build, including one caused by an invalid config, is logged and
// the watch continues so the next save can fix it.
func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := loadProject(ctx)
	if err != nil {
		return err
	}
	out := ux.NewPrinter(cmd.OutOrStdout())

	rebuild := func(ctx context.Context, opts build.Options) error {
		current, err := loadProject(ctx)
		if err != nil {
			return err
		}
		res, err := buildProject(ctx, cmd, current, opts)
		if err != nil {
			return err
		}
		printBuildResult(out, res)
		return nil
	}

	w, err := watch.New([]string{p.ConfigPath}, watchDebounce, func(ctx context.Context) error {
		return rebuild(ctx, build.Options{Jobs: buildJobs})
	}, slog.Default())
	if err != nil {
		return err
	}

	if err := rebuild(ctx, build.Options{Nuclear: buildNuclear, Jobs: buildJobs}); err != nil {
		slog.Error("Initial build failed", "error", err)
	}
	out.Muted("Watching " + p.ConfigPath + " for changes (Ctrl+C to stop)")
	return w.Run(ctx)
}
