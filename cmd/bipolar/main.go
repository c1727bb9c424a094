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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/bipolar/cmd/bipolar/internal/telemetry"
	"github.com/AleutianAI/bipolar/pkg/logging"
)

// version is set at link time with -ldflags "-X main.version=...".
var version = "dev"

// telemetryShutdownTimeout bounds the exporter flush on exit.
const telemetryShutdownTimeout = 5 * time.Second

// Process-wide state installed by the root command's pre-run hook.
var (
	appLogger         *logging.Logger
	telemetryShutdown func(context.Context) error
)

func main() {
	err := rootCmd.Execute()
	if cerr := closeApp(); err == nil {
		err = cerr
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "bipolar: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		logger, err := logging.New(logging.Config{
			Verbose: verbose,
			Format:  logging.Format(logFormat),
			Output:  cmd.ErrOrStderr(),
			LogFile: logFile,
		})
		if err != nil {
			return err
		}
		appLogger = logger
		slog.SetDefault(logger.Slog())

		cfg := telemetry.DefaultConfig(version)
		if cmd.Flags().Changed("trace") || os.Getenv("OTEL_TRACES_EXPORTER") == "" {
			cfg.TraceExporter = traceExporter
		}
		if cmd == runCmd && metricsAddr != "" {
			cfg.MetricExporter = telemetry.ExporterPrometheus
		}
		shutdown, err := telemetry.Init(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("initializing telemetry: %w", err)
		}
		telemetryShutdown = shutdown
		return nil
	}
}

// closeApp flushes telemetry and closes the log file. Safe to call more
// than once.
func closeApp() error {
	var errs []error
	if telemetryShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		errs = append(errs, telemetryShutdown(ctx))
		cancel()
		telemetryShutdown = nil
	}
	if appLogger != nil {
		errs = append(errs, appLogger.Close())
		appLogger = nil
	}
	return errors.Join(errs...)
}
