// Package database defines the database store port (interface).
package database

import (
	"context"
	"time"

	"github.com/relaydev/agentrun/internal/domain/artifact"
	"github.com/relaydev/agentrun/internal/domain/job"
	"github.com/relaydev/agentrun/internal/domain/message"
	"github.com/relaydev/agentrun/internal/domain/pricing"
	"github.com/relaydev/agentrun/internal/domain/run"
)

// Store is the port interface for persistent run, job, artifact, message,
// and pricing state.
type Store interface {
	// Runs
	//
	// CreateRun enforces (projectID, idempotencyKey) uniqueness: when a
	// matching live run already exists it is returned with created=false
	// and nothing else changes. Otherwise the run, its job, and a single
	// status{queued} journal event are inserted atomically.
	CreateRun(ctx context.Context, req run.CreateRequest) (r *run.Run, created bool, err error)
	GetRun(ctx context.Context, id string) (*run.Run, error)
	GetRunInProject(ctx context.Context, projectID, id string) (*run.Run, error)
	// GetLatestWritableRun returns the most recent run of the project that
	// has not terminally failed or been cancelled, used to thread
	// continuation messages.
	GetLatestWritableRun(ctx context.Context, projectID string) (*run.Run, error)
	SetRunExecutionAttempt(ctx context.Context, id string, attempt, maxAttempts int) error
	SetRunSandboxID(ctx context.Context, id, sandboxID string) error
	SetRunWorkspaceBackend(ctx context.Context, id string, backend run.WorkspaceBackend) error
	// UpdateRunStatus rejects transitions the run lifecycle does not allow
	// with domain.ErrInvalidTransition.
	UpdateRunStatus(ctx context.Context, id string, status run.Status) error
	// CompleteRun only succeeds while the run is running; it writes output,
	// usage, cost, and completedAt in one update.
	CompleteRun(ctx context.Context, id, output string, meta run.CompleteMeta) error
	// FailRun moves running → error and records the error text.
	FailRun(ctx context.Context, id, errMsg string) error
	// CancelRun accepts queued, running, and cancelled (idempotent).
	// changed reports whether this call performed the transition.
	CancelRun(ctx context.Context, id string) (changed bool, err error)
	// QueueRunForRetry moves running → queued between attempts.
	QueueRunForRetry(ctx context.Context, id string) error

	// Jobs
	//
	// ClaimRunForExecution is the compare-and-set that promotes a queued
	// job to running iff the run is not terminal. Racing workers get
	// exactly one winner.
	ClaimRunForExecution(ctx context.Context, runID string) (bool, error)
	GetJob(ctx context.Context, runID string) (*job.Job, error)
	MarkJobSucceeded(ctx context.Context, runID string) error
	MarkJobCancelled(ctx context.Context, runID string) error
	// MarkJobFailed re-queues the job with nextRunAt = now + delay while
	// attempts < maxAttempts; otherwise it marks the job failed.
	MarkJobFailed(ctx context.Context, runID string, attempts int, delay time.Duration) error
	// RequeueStaleRunningJobs flips every running job whose updatedAt is
	// older than the threshold back to queued and returns the run ids.
	RequeueStaleRunningJobs(ctx context.Context, staleFor time.Duration) ([]string, error)
	// ListRunnableQueuedJobRunIDs returns queued jobs with nextRunAt <= now
	// aged at least minAge, oldest first.
	ListRunnableQueuedJobRunIDs(ctx context.Context, limit int, minAge time.Duration) ([]string, error)

	// Artifacts
	CreateArtifact(ctx context.Context, a *artifact.Artifact) error
	ListArtifacts(ctx context.Context, runID string) ([]artifact.Artifact, error)

	// Messages
	AppendMessage(ctx context.Context, m *message.Message) error
	ListMessages(ctx context.Context, projectID, runID string) ([]message.Message, error)

	// Pricing
	GetModelPricing(ctx context.Context, provider, model string) (*pricing.ModelPricing, error)
}
