package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "agentrun"

// Metrics holds all agentrun metric instruments.
type Metrics struct {
	RunsStarted    metric.Int64Counter
	RunsCompleted  metric.Int64Counter
	RunsFailed     metric.Int64Counter
	RunsCancelled  metric.Int64Counter
	RunsRetried    metric.Int64Counter
	RunDuration    metric.Float64Histogram
	RunCost        metric.Float64Histogram
	SnapshotBytes  metric.Int64Histogram
	JournalAppends metric.Int64Counter
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.RunsStarted, err = meter.Int64Counter("agentrun.runs.started",
		metric.WithDescription("Number of run attempts started"))
	if err != nil {
		return nil, err
	}

	m.RunsCompleted, err = meter.Int64Counter("agentrun.runs.completed",
		metric.WithDescription("Number of runs completed successfully"))
	if err != nil {
		return nil, err
	}

	m.RunsFailed, err = meter.Int64Counter("agentrun.runs.failed",
		metric.WithDescription("Number of runs failed after exhausting retries"))
	if err != nil {
		return nil, err
	}

	m.RunsCancelled, err = meter.Int64Counter("agentrun.runs.cancelled",
		metric.WithDescription("Number of runs cancelled"))
	if err != nil {
		return nil, err
	}

	m.RunsRetried, err = meter.Int64Counter("agentrun.runs.retried",
		metric.WithDescription("Number of attempt retries"))
	if err != nil {
		return nil, err
	}

	m.RunDuration, err = meter.Float64Histogram("agentrun.run.duration_seconds",
		metric.WithDescription("Run duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.RunCost, err = meter.Float64Histogram("agentrun.run.cost_usd",
		metric.WithDescription("Estimated run cost in USD"))
	if err != nil {
		return nil, err
	}

	m.SnapshotBytes, err = meter.Int64Histogram("agentrun.snapshot.bytes",
		metric.WithDescription("Workspace snapshot size in bytes"))
	if err != nil {
		return nil, err
	}

	m.JournalAppends, err = meter.Int64Counter("agentrun.journal.appends",
		metric.WithDescription("Number of journal events appended"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
