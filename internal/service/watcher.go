package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/relaydev/agentrun/internal/domain"
	"github.com/relaydev/agentrun/internal/domain/run"
	"github.com/relaydev/agentrun/internal/port/database"
)

// CancelWatcher is the attempt-scoped periodic task that detects user
// cancellation and raises the attempt's cancellation token.
type CancelWatcher struct {
	store    database.Store
	interval time.Duration
}

// NewCancelWatcher creates a watcher polling at the given interval.
func NewCancelWatcher(store database.Store, interval time.Duration) *CancelWatcher {
	if interval <= 0 {
		interval = 750 * time.Millisecond
	}
	return &CancelWatcher{store: store, interval: interval}
}

// Watch polls the run's status until the attempt context ends. When the run
// is observed cancelled, cancelAttempt is invoked once. The returned stop
// function halts the watcher and waits for it to exit.
func (w *CancelWatcher) Watch(ctx context.Context, runID string, cancelAttempt context.CancelFunc) (stop func()) {
	watchCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-watchCtx.Done():
				return
			case <-ticker.C:
				r, err := w.store.GetRun(watchCtx, runID)
				if err != nil {
					if errors.Is(err, domain.ErrNotFound) || errors.Is(err, context.Canceled) {
						return
					}
					slog.Warn("cancel watcher poll failed", "run_id", runID, "error", err)
					continue
				}
				if r.Status == run.StatusCancelled {
					slog.Info("cancellation observed, aborting attempt", "run_id", runID)
					cancelAttempt()
					return
				}
			}
		}
	}()

	return func() {
		cancel()
		wg.Wait()
	}
}
