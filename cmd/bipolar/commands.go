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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/bipolar/cmd/bipolar/internal/telemetry"
	"github.com/AleutianAI/bipolar/cmd/bipolar/internal/watch"
)

// --- Global Command Variables ---
var (
	configPath    string
	verbose       bool
	logFormat     string
	logFile       string
	traceExporter string

	initName  string
	initForce bool

	buildNuclear bool
	buildJobs    int

	metricsAddr string

	watchDebounce = watch.DefaultDebounce

	rootCmd = &cobra.Command{
		Use:   "bipolar",
		Short: "Run A/B experiments across shards of a git repository",
		Long: `bipolar clones a control revision into a fleet of shards, layers
treatments (branches, commits, patches) onto a deterministic subset of
them, and supervises one process per shard.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	initCmd = &cobra.Command{
		Use:   "init",
		Short: "Write a starter bipolar.toml for the current repository",
		Args:  cobra.NoArgs,
		RunE:  runInit, // Defined in cmd_init.go
	}

	buildCmd = &cobra.Command{
		Use:   "build",
		Short: "Materialize control and treatment shards",
		Args:  cobra.NoArgs,
		RunE:  runBuild, // Defined in cmd_build.go
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Start the run hook in every shard and supervise until interrupted",
		Args:  cobra.NoArgs,
		RunE:  runRun, // Defined in cmd_run.go
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show the experiment, lockfile state and shard assignment",
		Args:  cobra.NoArgs,
		RunE:  runStatus, // Defined in cmd_status.go
	}

	watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Build, then rebuild whenever the config file changes",
		Args:  cobra.NoArgs,
		RunE:  runWatch, // Defined in cmd_watch.go
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the bipolar version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "bipolar "+version)
		},
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "path to the experiment config (default <repo root>/bipolar.toml)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	pf.StringVar(&logFormat, "log-format", "auto", "log format: auto, text or json")
	pf.StringVar(&logFile, "log-file", "", "also append JSON logs to this file")
	pf.StringVar(&traceExporter, "trace", telemetry.ExporterNone, "trace exporter: none, stdout or otlp")

	initCmd.Flags().StringVar(&initName, "name", "", "experiment name (default: derived from the origin url)")
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config")

	buildCmd.Flags().BoolVar(&buildNuclear, "nuclear", false, "discard all shards and rebuild from scratch")
	buildCmd.Flags().IntVarP(&buildJobs, "jobs", "j", 0, "parallel shard operations (default: number of CPUs)")

	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9464)")

	watchCmd.Flags().BoolVar(&buildNuclear, "nuclear", false, "force a full rebuild on the first build")
	watchCmd.Flags().IntVarP(&buildJobs, "jobs", "j", 0, "parallel shard operations (default: number of CPUs)")
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", watch.DefaultDebounce, "quiet period before rebuilding")

	rootCmd.AddCommand(initCmd, buildCmd, runCmd, statusCmd, watchCmd, versionCmd)
}
