package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/relaydev/agentrun/internal/port/database"
	"github.com/relaydev/agentrun/internal/port/messagequeue"
)

// sweepTimeout bounds one reconciliation pass.
const sweepTimeout = 30 * time.Second

// maxSweepJitter spreads the two sweeps so a worker fleet does not hit the
// store in lockstep.
const maxSweepJitter = 5 * time.Second

// Scheduler runs the two periodic reconciliation tasks that make the queue
// bus safe to lose messages on: requeue-stale-running and kick-queued.
// Both are idempotent — republishing an already-running run is absorbed by
// the claim CAS.
type Scheduler struct {
	store database.Store
	queue messagequeue.Queue

	interval            time.Duration
	requeueRunningAfter time.Duration
	kickLimit           int
	kickMinAge          time.Duration

	cron *cron.Cron
}

// NewScheduler creates the reconciliation scheduler.
// requeueRunningAfter <= 0 disables the stale-running sweep.
func NewScheduler(store database.Store, queue messagequeue.Queue, interval, requeueRunningAfter time.Duration, kickLimit int, kickMinAge time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		store:               store,
		queue:               queue,
		interval:            interval,
		requeueRunningAfter: requeueRunningAfter,
		kickLimit:           kickLimit,
		kickMinAge:          kickMinAge,
	}
}

// Start registers both sweeps and begins ticking.
func (s *Scheduler) Start() error {
	s.cron = cron.New()
	spec := fmt.Sprintf("@every %s", s.interval)

	if _, err := s.cron.AddFunc(spec, s.jittered(s.requeueStaleRunning)); err != nil {
		return fmt.Errorf("schedule requeue-stale-running: %w", err)
	}
	if _, err := s.cron.AddFunc(spec, s.jittered(s.kickQueued)); err != nil {
		return fmt.Errorf("schedule kick-queued: %w", err)
	}

	s.cron.Start()
	slog.Info("schedulers started",
		"interval", s.interval,
		"requeue_running_after", s.requeueRunningAfter,
		"kick_limit", s.kickLimit,
		"kick_min_age", s.kickMinAge,
	)
	return nil
}

// Stop halts the ticker and waits for in-flight sweeps.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// jittered delays a sweep by a random slice of maxSweepJitter.
func (s *Scheduler) jittered(fn func(context.Context)) func() {
	return func() {
		time.Sleep(time.Duration(rand.Int63n(int64(maxSweepJitter)))) //nolint:gosec // jitter, not crypto
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()
		fn(ctx)
	}
}

// requeueStaleRunning reclaims jobs whose worker died mid-attempt without
// releasing the claim.
func (s *Scheduler) requeueStaleRunning(ctx context.Context) {
	if s.requeueRunningAfter <= 0 {
		return
	}
	ids, err := s.store.RequeueStaleRunningJobs(ctx, s.requeueRunningAfter)
	if err != nil {
		slog.Error("requeue stale running sweep failed", "error", err)
		return
	}
	if len(ids) > 0 {
		slog.Warn("requeued stale running jobs", "count", len(ids))
	}
	s.republish(ctx, ids)
}

// kickQueued re-publishes queued jobs whose delivery was lost.
func (s *Scheduler) kickQueued(ctx context.Context) {
	ids, err := s.store.ListRunnableQueuedJobRunIDs(ctx, s.kickLimit, s.kickMinAge)
	if err != nil {
		slog.Error("kick queued sweep failed", "error", err)
		return
	}
	s.republish(ctx, ids)
}

func (s *Scheduler) republish(ctx context.Context, runIDs []string) {
	for _, id := range runIDs {
		data, err := json.Marshal(messagequeue.RunRequestedPayload{RunID: id})
		if err != nil {
			continue
		}
		if err := s.queue.Publish(ctx, messagequeue.SubjectRunRequested, data); err != nil {
			slog.Error("republish run failed", "run_id", id, "error", err)
		}
	}
}
