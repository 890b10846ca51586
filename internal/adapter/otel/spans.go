package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "agentrun"

// StartAttemptSpan starts a span for one execution attempt of a run.
func StartAttemptSpan(ctx context.Context, runID string, attempt int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "attempt",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.Int("run.attempt", attempt),
		),
	)
}

// StartSnapshotSpan starts a span for a workspace snapshot capture.
func StartSnapshotSpan(ctx context.Context, runID, sandboxID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "snapshot",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("sandbox.id", sandboxID),
		),
	)
}

// StartCommitSpan starts a span for the host post-commit hook.
func StartCommitSpan(ctx context.Context, runID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "host_commit",
		trace.WithAttributes(
			attribute.String("run.id", runID),
		),
	)
}
