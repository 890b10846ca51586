package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/relaydev/agentrun/internal/domain/artifact"
	"github.com/relaydev/agentrun/internal/domain/event"
	"github.com/relaydev/agentrun/internal/domain/message"
	"github.com/relaydev/agentrun/internal/domain/run"
	"github.com/relaydev/agentrun/internal/port/broadcast"
	"github.com/relaydev/agentrun/internal/port/database"
	"github.com/relaydev/agentrun/internal/port/eventstore"
	"github.com/relaydev/agentrun/internal/port/messagequeue"
)

// RunService is the ingress façade: create, cancel, read, and stream runs.
type RunService struct {
	store   database.Store
	journal eventstore.Store
	queue   messagequeue.Queue
	hub     broadcast.Broadcaster

	defaultMaxAttempts int
}

// NewRunService creates the ingress service. defaultMaxAttempts caps runs
// that do not request their own budget.
func NewRunService(store database.Store, journal eventstore.Store, queue messagequeue.Queue, hub broadcast.Broadcaster, defaultMaxAttempts int) *RunService {
	if hub == nil {
		hub = broadcast.Nop{}
	}
	if defaultMaxAttempts < 1 {
		defaultMaxAttempts = 3
	}
	return &RunService{
		store:              store,
		journal:            journal,
		queue:              queue,
		hub:                hub,
		defaultMaxAttempts: defaultMaxAttempts,
	}
}

// Create validates and persists a new run, then publishes it to the worker
// pool. Idempotent by (projectID, idempotencyKey): replays return the
// existing run with created=false and publish nothing.
func (s *RunService) Create(ctx context.Context, req run.CreateRequest) (*run.Run, bool, error) {
	if err := run.ValidateCreate(&req); err != nil {
		return nil, false, err
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = s.defaultMaxAttempts
	}

	r, created, err := s.store.CreateRun(ctx, req)
	if err != nil {
		return nil, false, fmt.Errorf("create run: %w", err)
	}
	if !created {
		return r, false, nil
	}

	data, err := json.Marshal(messagequeue.RunRequestedPayload{RunID: r.ID})
	if err != nil {
		return nil, false, fmt.Errorf("encode run requested: %w", err)
	}
	if err := s.queue.Publish(ctx, messagequeue.SubjectRunRequested, data); err != nil {
		// The run is durably queued; the kick-queued scheduler repairs a
		// lost publish, so surface the run instead of failing the create.
		slog.Error("publish run requested failed", "run_id", r.ID, "error", err)
	}

	s.hub.BroadcastEvent(ctx, "run.status", map[string]any{
		"run_id":     r.ID,
		"project_id": r.ProjectID,
		"status":     string(run.StatusQueued),
	})
	return r, true, nil
}

// Cancel requests cancellation of a run. The transition is written once; a
// live attempt observes it through its watcher. Cancelled runs get a
// status{cancelled} journal event and never a later done/error.
func (s *RunService) Cancel(ctx context.Context, runID string) (*run.Run, bool, error) {
	changed, err := s.store.CancelRun(ctx, runID)
	if err != nil {
		return nil, false, err
	}

	if changed {
		if _, err := s.journal.Append(ctx, runID, event.TypeStatus, event.StatusPayload(event.StatusCancelled, nil)); err != nil {
			slog.Error("journal cancelled event failed", "run_id", runID, "error", err)
		}
	}

	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, changed, err
	}
	if changed {
		s.hub.BroadcastEvent(ctx, "run.status", map[string]any{
			"run_id":     r.ID,
			"project_id": r.ProjectID,
			"status":     string(run.StatusCancelled),
		})
	}
	return r, changed, nil
}

// Get returns a run by id.
func (s *RunService) Get(ctx context.Context, runID string) (*run.Run, error) {
	return s.store.GetRun(ctx, runID)
}

// GetInProject returns a run scoped to a project.
func (s *RunService) GetInProject(ctx context.Context, projectID, runID string) (*run.Run, error) {
	return s.store.GetRunInProject(ctx, projectID, runID)
}

// LatestWritable returns the newest run of a project that can still take
// continuation messages.
func (s *RunService) LatestWritable(ctx context.Context, projectID string) (*run.Run, error) {
	return s.store.GetLatestWritableRun(ctx, projectID)
}

// ListEventsAfter returns journal events with id > afterID, the stream
// replay primitive.
func (s *RunService) ListEventsAfter(ctx context.Context, runID string, afterID int64, limit int) ([]event.Event, error) {
	return s.journal.ListAfter(ctx, runID, afterID, limit)
}

// ListEvents returns a back-paging window of a run's journal.
func (s *RunService) ListEvents(ctx context.Context, runID string, limit, offset int) ([]event.Event, error) {
	return s.journal.List(ctx, runID, limit, offset)
}

// ListArtifacts returns a run's artifacts.
func (s *RunService) ListArtifacts(ctx context.Context, runID string) ([]artifact.Artifact, error) {
	return s.store.ListArtifacts(ctx, runID)
}

// ListMessages returns the chat turns of a run.
func (s *RunService) ListMessages(ctx context.Context, projectID, runID string) ([]message.Message, error) {
	return s.store.ListMessages(ctx, projectID, runID)
}
