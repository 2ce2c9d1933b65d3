package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// RunMetrics counts run and job outcomes for the engine.
type RunMetrics struct {
	runs          otelmetric.Int64Counter
	jobs          otelmetric.Int64Counter
	jobDuration   otelmetric.Int64Histogram
	cacheRestores otelmetric.Int64Counter
}

func (t *Telemetry) RunMetrics() (*RunMetrics, error) {
	runs, err := t.meter.Int64Counter(
		"runs_total",
		otelmetric.WithDescription("Number of finished runs, by verdict."),
		otelmetric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to create runs_total counter: %w", err)
	}

	jobs, err := t.meter.Int64Counter(
		"jobs_total",
		otelmetric.WithDescription("Number of finished jobs, by status and toolchain."),
		otelmetric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to create jobs_total counter: %w", err)
	}

	jobDuration, err := t.meter.Int64Histogram(
		"job_duration_millis",
		otelmetric.WithDescription("Measures how long jobs take from setup to teardown, in milliseconds."),
		otelmetric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to create job_duration_millis histogram: %w", err)
	}

	cacheRestores, err := t.meter.Int64Counter(
		"cache_restores_total",
		otelmetric.WithDescription("Number of cache restore attempts, by outcome."),
		otelmetric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to create cache_restores_total counter: %w", err)
	}

	return &RunMetrics{
		runs:          runs,
		jobs:          jobs,
		jobDuration:   jobDuration,
		cacheRestores: cacheRestores,
	}, nil
}

func (m *RunMetrics) RecordRun(ctx context.Context, verdict string, fastFinished bool) {
	if m == nil {
		return
	}
	m.runs.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("verdict", verdict),
		attribute.Bool("fast_finished", fastFinished),
	))
}

func (m *RunMetrics) RecordJob(ctx context.Context, status, toolchain string, durationMs int64) {
	if m == nil {
		return
	}
	attrs := otelmetric.WithAttributes(
		attribute.String("status", status),
		attribute.String("toolchain", toolchain),
	)
	m.jobs.Add(ctx, 1, attrs)
	m.jobDuration.Record(ctx, durationMs, attrs)
}

func (m *RunMetrics) RecordCacheRestore(ctx context.Context, hit bool) {
	if m == nil {
		return
	}
	m.cacheRestores.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.Bool("hit", hit),
	))
}
