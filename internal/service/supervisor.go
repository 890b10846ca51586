package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	cfotel "github.com/relaydev/agentrun/internal/adapter/otel"
	"github.com/relaydev/agentrun/internal/domain"
	"github.com/relaydev/agentrun/internal/domain/event"
	"github.com/relaydev/agentrun/internal/domain/job"
	"github.com/relaydev/agentrun/internal/domain/message"
	"github.com/relaydev/agentrun/internal/domain/run"
	"github.com/relaydev/agentrun/internal/logger"
	"github.com/relaydev/agentrun/internal/port/agentcore"
	"github.com/relaydev/agentrun/internal/port/broadcast"
	"github.com/relaydev/agentrun/internal/port/database"
	"github.com/relaydev/agentrun/internal/port/eventstore"
	"github.com/relaydev/agentrun/internal/port/hostcommit"
	"github.com/relaydev/agentrun/internal/port/messagequeue"
	"github.com/relaydev/agentrun/internal/port/sandbox"
)

// attemptOutcome classifies how one attempt ended.
type attemptOutcome int

const (
	attemptDone attemptOutcome = iota
	attemptRetry
	attemptCancelled
	attemptFailedFinal
	attemptAbandoned // worker shutting down; schedulers reclaim the claim
)

// SupervisorConfig holds the tunables of the run state machine.
type SupervisorConfig struct {
	// DefaultBackend is the environment override for unspecified requests.
	DefaultBackend run.WorkspaceBackend
	// MaxBackoff caps the retry delay: min(MaxBackoff, 2^attempts).
	MaxBackoff time.Duration
	// AgentCallTimeout bounds the whole agent call (plan + build budgets).
	AgentCallTimeout time.Duration
	// CancelGrace is how long a cancelled attempt waits for the agent to
	// observe the token before the work is abandoned.
	CancelGrace time.Duration
}

// Supervisor is the run state machine: it claims queued runs, drives one
// agent attempt at a time under the retry budget, and owns every terminal
// transition.
type Supervisor struct {
	store     database.Store
	journal   eventstore.Store
	queue     messagequeue.Queue
	driver    *AgentDriver
	watcher   *CancelWatcher
	selector  *ModelSelector
	sandboxes *SandboxSupervisor
	snapshots *SnapshotCapturer
	committer hostcommit.Committer
	hub       broadcast.Broadcaster
	metrics   *cfotel.Metrics
	cfg       SupervisorConfig

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewSupervisor wires the run state machine. sandboxes, snapshots,
// committer, and metrics may be nil / unconfigured.
func NewSupervisor(
	store database.Store,
	journal eventstore.Store,
	queue messagequeue.Queue,
	driver *AgentDriver,
	watcher *CancelWatcher,
	selector *ModelSelector,
	sandboxes *SandboxSupervisor,
	snapshots *SnapshotCapturer,
	committer hostcommit.Committer,
	hub broadcast.Broadcaster,
	metrics *cfotel.Metrics,
	cfg SupervisorConfig,
) *Supervisor {
	if hub == nil {
		hub = broadcast.Nop{}
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = 10 * time.Second
	}
	return &Supervisor{
		store:     store,
		journal:   journal,
		queue:     queue,
		driver:    driver,
		watcher:   watcher,
		selector:  selector,
		sandboxes: sandboxes,
		snapshots: snapshots,
		committer: committer,
		hub:       hub,
		metrics:   metrics,
		cfg:       cfg,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// StartSubscriber attaches the supervisor to the queue bus.
func (s *Supervisor) StartSubscriber(ctx context.Context) (func(), error) {
	return s.queue.Subscribe(ctx, messagequeue.SubjectRunRequested,
		func(ctx context.Context, _ string, data []byte) error {
			var p messagequeue.RunRequestedPayload
			if err := json.Unmarshal(data, &p); err != nil {
				return fmt.Errorf("decode run requested: %w", err)
			}
			return s.Process(ctx, p.RunID)
		})
}

// Process handles one RunRequested delivery. Duplicate deliveries are
// absorbed by the claim CAS; stale deliveries for terminal runs exit early.
func (s *Supervisor) Process(ctx context.Context, runID string) error {
	ctx = logger.WithRunID(ctx, runID)

	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			slog.Debug("run requested for unknown run", "run_id", runID)
			return nil
		}
		return err
	}
	if r.Status.IsTerminal() {
		if r.Status == run.StatusCancelled {
			_ = s.store.MarkJobCancelled(ctx, runID)
		}
		return nil
	}

	for {
		claimed, err := s.store.ClaimRunForExecution(ctx, runID)
		if err != nil {
			return err
		}
		if !claimed {
			// Another worker won, or the run left the claimable state.
			return nil
		}

		outcome, delay := s.runAttempt(ctx, runID)
		if outcome != attemptRetry {
			return nil
		}
		if err := s.sleep(ctx, delay); err != nil {
			// Shutting down mid-backoff; the job is already queued with
			// next_run_at set, so the kick-queued scheduler resumes it.
			return nil
		}
	}
}

// runAttempt drives exactly one attempt from claim to its outcome.
func (s *Supervisor) runAttempt(ctx context.Context, runID string) (attemptOutcome, time.Duration) {
	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		slog.Error("load claimed run failed", "run_id", runID, "error", err)
		return attemptAbandoned, 0
	}

	backend := s.resolveBackend(r)
	if backend != r.Backend {
		if err := s.store.SetRunWorkspaceBackend(ctx, runID, backend); err != nil {
			slog.Warn("persist workspace backend failed", "run_id", runID, "error", err)
		}
		r.Backend = backend
	}

	attempt := r.Attempt + 1
	if err := s.store.SetRunExecutionAttempt(ctx, runID, attempt, r.MaxAttempts); err != nil {
		slog.Warn("persist attempt failed", "run_id", runID, "error", err)
	}
	r.Attempt = attempt

	if err := s.store.UpdateRunStatus(ctx, runID, run.StatusRunning); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			// Cancelled between claim and start.
			_ = s.store.MarkJobCancelled(ctx, runID)
			return attemptCancelled, 0
		}
		slog.Error("transition to running failed", "run_id", runID, "error", err)
		return attemptAbandoned, 0
	}
	s.appendStatus(ctx, runID, event.StatusRunning, map[string]any{"attempt": attempt})
	s.broadcastStatus(ctx, r, run.StatusRunning)
	if s.metrics != nil {
		s.metrics.RunsStarted.Add(ctx, 1)
	}

	ctx, span := cfotel.StartAttemptSpan(ctx, runID, attempt)
	defer span.End()

	resolved, err := s.selector.Resolve(r.Provider, r.Model)
	if err != nil {
		return s.attemptFailed(ctx, r, attempt, err, nil)
	}

	attemptCtx, cancelAttempt := context.WithCancel(ctx)
	defer cancelAttempt()
	stopWatcher := s.watcher.Watch(attemptCtx, runID, cancelAttempt)
	defer stopWatcher()

	var sb sandbox.Sandbox
	if r.Backend == run.BackendE2B {
		if !s.sandboxes.Configured() {
			return s.attemptFailed(ctx, r, attempt, errors.New("e2b backend requested but no sandbox provider configured"), nil)
		}
		sb, err = s.sandboxes.Start(attemptCtx, r)
		if err != nil {
			return s.attemptFailed(ctx, r, attempt, err, nil)
		}
	}

	sandboxID := ""
	if sb != nil {
		sandboxID = sb.ID()
	}

	callCtx := attemptCtx
	if s.cfg.AgentCallTimeout > 0 {
		var cancelCall context.CancelFunc
		callCtx, cancelCall = context.WithTimeout(attemptCtx, s.cfg.AgentCallTimeout)
		defer cancelCall()
	}

	type agentReturn struct {
		res *agentcore.Result
		err error
	}
	resCh := make(chan agentReturn, 1)
	go func() {
		res, err := s.driver.Run(callCtx, r, resolved, sandboxID, func(id string) {
			s.sandboxes.Reconcile(attemptCtx, runID, id)
		})
		resCh <- agentReturn{res: res, err: err}
	}()

	var ret agentReturn
	abandoned := false
	select {
	case ret = <-resCh:
	case <-attemptCtx.Done():
		// Give the agent the grace window to observe the token.
		select {
		case ret = <-resCh:
		case <-time.After(s.cfg.CancelGrace):
			abandoned = true
		}
	}
	stopWatcher()

	if cancelled, shuttingDown := s.classifyCancel(ctx, runID, ret.err, abandoned); cancelled {
		span.SetAttributes(attribute.String("outcome", "cancelled"))
		if sb != nil {
			s.sandboxes.Close(ctx, runID, sb) // no snapshot for a cancelled run
		}
		_ = s.store.MarkJobCancelled(context.WithoutCancel(ctx), runID)
		if s.metrics != nil {
			s.metrics.RunsCancelled.Add(ctx, 1)
		}
		return attemptCancelled, 0
	} else if shuttingDown {
		span.SetAttributes(attribute.String("outcome", "abandoned"))
		if sb != nil {
			s.sandboxes.Close(ctx, runID, sb)
		}
		return attemptAbandoned, 0
	}

	if ret.err != nil {
		span.SetAttributes(attribute.String("outcome", "error"))
		return s.attemptFailed(ctx, r, attempt, ret.err, sb)
	}

	span.SetAttributes(attribute.String("outcome", "completed"))
	s.succeed(ctx, r, ret.res, sb)
	return attemptDone, 0
}

// resolveBackend applies the effective-backend precedence:
// request override → environment → sandbox credentials present → host.
func (s *Supervisor) resolveBackend(r *run.Run) run.WorkspaceBackend {
	if r.Backend != "" {
		return r.Backend
	}
	if s.cfg.DefaultBackend != "" {
		return s.cfg.DefaultBackend
	}
	if s.sandboxes.Configured() {
		return run.BackendE2B
	}
	return run.BackendHost
}

// classifyCancel decides whether an attempt ended by user cancellation, and
// separately whether the worker itself is shutting down.
func (s *Supervisor) classifyCancel(ctx context.Context, runID string, agentErr error, abandoned bool) (cancelled, shuttingDown bool) {
	if agentErr != nil && errors.Is(agentErr, agentcore.ErrRunAborted) {
		return true, false
	}
	r, err := s.store.GetRun(context.WithoutCancel(ctx), runID)
	if err == nil && r.Status == run.StatusCancelled {
		return true, false
	}
	if abandoned || (agentErr != nil && errors.Is(agentErr, context.Canceled)) {
		// The attempt context died without the run being cancelled: the
		// worker is going away. Leave the claim for the stale scheduler.
		return false, true
	}
	return false, false
}

// succeed finalizes a successful attempt: snapshot (e2b), complete, done
// event, job success, assistant message, host commit hook, teardown.
func (s *Supervisor) succeed(ctx context.Context, r *run.Run, res *agentcore.Result, sb sandbox.Sandbox) {
	ctx = context.WithoutCancel(ctx)

	if sb != nil && s.snapshots != nil {
		s.snapshots.Capture(ctx, r.ID, sb)
	}

	meta := run.CompleteMeta{
		Provider:   res.Provider,
		Model:      res.Model,
		Usage:      res.Usage,
		DurationMS: res.DurationMS,
	}
	if res.Usage != nil {
		if p, err := s.store.GetModelPricing(ctx, res.Provider, res.Model); err == nil {
			meta.EstimatedCostUSD = p.Estimate(res.Usage)
			meta.PricingVersion = p.Version
		}
	}

	if err := s.store.CompleteRun(ctx, r.ID, res.Output, meta); err != nil {
		// Lost the race with a cancel; terminal state is sticky.
		slog.Warn("complete run rejected", "run_id", r.ID, "error", err)
		_ = s.store.MarkJobCancelled(ctx, r.ID)
		if sb != nil {
			s.sandboxes.Close(ctx, r.ID, sb)
		}
		return
	}

	donePayload := map[string]any{
		"output":     res.Output,
		"durationMs": res.DurationMS,
	}
	if res.Usage != nil {
		donePayload["usage"] = res.Usage
	}
	if meta.EstimatedCostUSD > 0 {
		donePayload["estimatedCostUsd"] = meta.EstimatedCostUSD
	}
	data, _ := json.Marshal(donePayload)
	if _, err := s.journal.Append(ctx, r.ID, event.TypeDone, data); err != nil {
		// The run is already terminal; a journal failure here is logged,
		// never fed back into the state machine.
		slog.Error("journal done event failed", "run_id", r.ID, "error", err)
	}

	_ = s.store.MarkJobSucceeded(ctx, r.ID)

	if err := s.store.AppendMessage(ctx, &message.Message{
		ProjectID: r.ProjectID,
		RunID:     r.ID,
		Role:      message.RoleAssistant,
		Content:   res.Output,
	}); err != nil {
		slog.Warn("append assistant message failed", "run_id", r.ID, "error", err)
	}

	if r.Backend != run.BackendE2B && s.committer != nil {
		commitCtx, span := cfotel.StartCommitSpan(ctx, r.ID)
		result := s.committer.Commit(commitCtx, r.ID)
		span.End()
		status := event.StatusGitCommit
		extra := map[string]any{}
		switch {
		case result.Skipped:
			status = event.StatusGitCommitSkipped
		case !result.OK:
			status = event.StatusGitCommitError
			extra["error"] = result.Error
		default:
			extra["commitSha"] = result.CommitSHA
		}
		s.appendStatus(ctx, r.ID, status, extra)
	}

	if sb != nil {
		s.sandboxes.Close(ctx, r.ID, sb)
	}

	if s.metrics != nil {
		s.metrics.RunsCompleted.Add(ctx, 1)
		s.metrics.RunDuration.Record(ctx, float64(res.DurationMS)/1000)
		if meta.EstimatedCostUSD > 0 {
			s.metrics.RunCost.Record(ctx, meta.EstimatedCostUSD)
		}
	}
	s.broadcastStatus(ctx, r, run.StatusCompleted)
}

// attemptFailed handles an attempt error: retry with backoff while budget
// remains, otherwise the terminal failure path.
func (s *Supervisor) attemptFailed(ctx context.Context, r *run.Run, attempt int, cause error, sb sandbox.Sandbox) (attemptOutcome, time.Duration) {
	ctx = context.WithoutCancel(ctx)
	slog.Warn("attempt failed", "run_id", r.ID, "attempt", attempt, "max_attempts", r.MaxAttempts, "error", cause)

	if attempt >= r.MaxAttempts {
		if sb != nil && s.snapshots != nil {
			s.snapshots.Capture(ctx, r.ID, sb)
		}
		if err := s.store.FailRun(ctx, r.ID, cause.Error()); err != nil {
			// A cancel that landed during the attempt wins: keep the
			// journal free of terminal events for cancelled runs.
			if cur, gerr := s.store.GetRun(ctx, r.ID); gerr == nil && cur.Status == run.StatusCancelled {
				_ = s.store.MarkJobCancelled(ctx, r.ID)
				if sb != nil {
					s.sandboxes.Close(ctx, r.ID, sb)
				}
				return attemptCancelled, 0
			}
			slog.Error("fail run rejected", "run_id", r.ID, "error", err)
		} else {
			data, _ := json.Marshal(map[string]any{
				"error":       cause.Error(),
				"attempts":    attempt,
				"maxAttempts": r.MaxAttempts,
			})
			if _, err := s.journal.Append(ctx, r.ID, event.TypeError, data); err != nil {
				slog.Error("journal error event failed", "run_id", r.ID, "error", err)
			}
		}
		_ = s.store.MarkJobFailed(ctx, r.ID, attempt, 0)
		if sb != nil {
			s.sandboxes.Close(ctx, r.ID, sb)
		}
		if s.metrics != nil {
			s.metrics.RunsFailed.Add(ctx, 1)
		}
		s.broadcastStatus(ctx, r, run.StatusError)
		return attemptFailedFinal, 0
	}

	delay := job.RetryDelay(attempt, s.cfg.MaxBackoff)
	if err := s.store.QueueRunForRetry(ctx, r.ID); err != nil {
		slog.Error("queue run for retry failed", "run_id", r.ID, "error", err)
	}
	_ = s.store.MarkJobFailed(ctx, r.ID, attempt, delay)

	s.appendStatus(ctx, r.ID, event.StatusAttemptFailed, map[string]any{
		"attempts":    attempt,
		"maxAttempts": r.MaxAttempts,
		"error":       cause.Error(),
	})
	s.appendStatus(ctx, r.ID, event.StatusRetrying, map[string]any{
		"nextAttempt":    attempt + 1,
		"backoffSeconds": int(delay.Seconds()),
	})

	if sb != nil {
		s.sandboxes.Close(ctx, r.ID, sb)
	}
	if s.metrics != nil {
		s.metrics.RunsRetried.Add(ctx, 1)
	}
	return attemptRetry, delay
}

func (s *Supervisor) appendStatus(ctx context.Context, runID, status string, extra map[string]any) {
	if _, err := s.journal.Append(ctx, runID, event.TypeStatus, event.StatusPayload(status, extra)); err != nil {
		slog.Error("journal status event failed", "run_id", runID, "status", status, "error", err)
	}
}

func (s *Supervisor) broadcastStatus(ctx context.Context, r *run.Run, status run.Status) {
	s.hub.BroadcastEvent(ctx, "run.status", map[string]any{
		"run_id":     r.ID,
		"project_id": r.ProjectID,
		"status":     string(status),
	})
}
