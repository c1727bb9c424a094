// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the bipolar instruments. All names use the "bipolar_"
// prefix.
//
// # Thread Safety
//
// Safe for concurrent use after creation.
type Metrics struct {
	// --- Build Metrics ---

	// BuildsTotal counts builds by mode (incremental, nuke) and status.
	BuildsTotal metric.Int64Counter

	// BuildDuration records build duration in seconds.
	BuildDuration metric.Float64Histogram

	// ShardsEnsured counts shard directories checked, by whether they
	// were created.
	ShardsEnsured metric.Int64Counter

	// TreatmentsApplied counts treatment applications by treatment and
	// outcome.
	TreatmentsApplied metric.Int64Counter

	// --- Supervisor Metrics ---

	// RunningProcesses tracks live run-hook children.
	RunningProcesses metric.Int64UpDownCounter

	// ChildExits counts run-hook children that exited, by whether they
	// were killed by the supervisor.
	ChildExits metric.Int64Counter
}

// NewMetrics registers every instrument with meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.BuildsTotal, err = meter.Int64Counter(
		"bipolar_builds_total",
		metric.WithDescription("Total builds"),
		metric.WithUnit("{build}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create builds_total: %w", err)
	}

	m.BuildDuration, err = meter.Float64Histogram(
		"bipolar_build_duration_seconds",
		metric.WithDescription("Build duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 1800),
	)
	if err != nil {
		return nil, fmt.Errorf("create build_duration: %w", err)
	}

	m.ShardsEnsured, err = meter.Int64Counter(
		"bipolar_shards_ensured_total",
		metric.WithDescription("Shard directories ensured"),
		metric.WithUnit("{shard}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create shards_ensured_total: %w", err)
	}

	m.TreatmentsApplied, err = meter.Int64Counter(
		"bipolar_treatments_applied_total",
		metric.WithDescription("Treatment applications"),
		metric.WithUnit("{application}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create treatments_applied_total: %w", err)
	}

	m.RunningProcesses, err = meter.Int64UpDownCounter(
		"bipolar_running_processes",
		metric.WithDescription("Running run-hook children"),
		metric.WithUnit("{process}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create running_processes: %w", err)
	}

	m.ChildExits, err = meter.Int64Counter(
		"bipolar_child_exits_total",
		metric.WithDescription("Run-hook children that exited"),
		metric.WithUnit("{process}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create child_exits_total: %w", err)
	}

	return m, nil
}

var (
	globalMetrics     *Metrics
	globalMetricsOnce sync.Once
)

// Global returns instruments bound to the global meter provider. They
// forward to whatever provider Init installs, even if created earlier.
func Global() *Metrics {
	globalMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.Meter(TracerName))
		if err != nil {
			otel.Handle(err)
			m, _ = NewMetrics(noop.NewMeterProvider().Meter(TracerName))
		}
		globalMetrics = m
	})
	return globalMetrics
}

// RecordTreatment counts one treatment application.
func (m *Metrics) RecordTreatment(ctx context.Context, treatment, outcome string) {
	m.TreatmentsApplied.Add(ctx, 1, metric.WithAttributes(
		attribute.String("treatment", treatment),
		attribute.String("outcome", outcome),
	))
}

// RecordShard counts one ensured shard directory.
func (m *Metrics) RecordShard(ctx context.Context, created bool) {
	m.ShardsEnsured.Add(ctx, 1, metric.WithAttributes(attribute.Bool("created", created)))
}

// RecordChildExit counts one reaped run-hook child.
func (m *Metrics) RecordChildExit(ctx context.Context, killed bool) {
	m.ChildExits.Add(ctx, 1, metric.WithAttributes(attribute.Bool("killed", killed)))
}

// RecordBuild records one finished build.
func (m *Metrics) RecordBuild(ctx context.Context, nuked bool, seconds float64, err error) {
	mode := "incremental"
	if nuked {
		mode = "nuke"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(attribute.String("mode", mode), attribute.String("status", status))
	m.BuildsTotal.Add(ctx, 1, attrs)
	m.BuildDuration.Record(ctx, seconds, attrs)
}
