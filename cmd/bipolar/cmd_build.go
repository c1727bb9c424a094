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
	"log/slog"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/bipolar/cmd/bipolar/internal/build"
	"github.com/AleutianAI/bipolar/pkg/ux"
)

func runBuild(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	p, err := loadProject(ctx)
	if err != nil {
		return err
	}
	res, err := buildProject(ctx, cmd, p, build.Options{Nuclear: buildNuclear, Jobs: buildJobs})
	if err != nil {
		return err
	}
	printBuildResult(ux.NewPrinter(cmd.OutOrStdout()), res)
	return nil
}

// buildProject runs one build of p. Hook output goes to the command's
// stdout and stderr.
func buildProject(ctx context.Context, cmd *cobra.Command, p *project, opts build.Options) (*build.Result, error) {
	b, err := build.NewBuilder(build.Params{
		Config:     p.Config,
		ConfigPath: p.ConfigPath,
		Root:       p.Root,
		Logger:     slog.Default(),
		Stdout:     cmd.OutOrStdout(),
		Stderr:     cmd.ErrOrStderr(),
	})
	if err != nil {
		return nil, err
	}
	return b.Build(ctx, opts)
}

func printBuildResult(out *ux.Printer, res *build.Result) {
	out.Title("Build complete")
	out.Field("build", res.BuildID)
	if res.Nuked {
		out.Field("mode", fmt.Sprintf("rebuilt (%s)", res.Reason))
	} else {
		out.Field("mode", "incremental")
	}

	names := make([]string, 0, len(res.Applied))
	for name := range res.Applied {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ids := res.Applied[name]
		out.Field(name, fmt.Sprintf("%s newly applied: %s", plural(len(ids), "shard"), ux.IDs(ids)))
	}
	for _, name := range res.Skipped {
		out.Warning(fmt.Sprintf("treatment %s has no split and was skipped", name))
	}
	out.Field("elapsed", res.Elapsed.Round(time.Millisecond))
}
