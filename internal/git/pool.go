// Package git bounds the git CLI invocations made by the host post-commit
// hook. Commits run during run finalization, so a hung git process must
// neither pile up workers nor stall teardown indefinitely.
package git

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
)

// Pool limits concurrent git operations with a weighted semaphore and caps
// each operation's wall time. One pool is shared by all workers so a burst
// of finishing runs cannot exhaust the machine with git processes.
type Pool struct {
	sem       *semaphore.Weighted
	opTimeout time.Duration
}

// NewPool creates a Pool allowing at most limit concurrent operations,
// each bounded by opTimeout (0 means no per-operation deadline).
func NewPool(limit int, opTimeout time.Duration) *Pool {
	if limit < 1 {
		limit = 1
	}
	return &Pool{
		sem:       semaphore.NewWeighted(int64(limit)),
		opTimeout: opTimeout,
	}
}

// Run acquires a slot and invokes fn with a context carrying the
// per-operation deadline. It blocks while all slots are busy and returns
// ctx.Err() if the caller's context ends while waiting. A nil pool runs fn
// directly without concurrency control.
func (p *Pool) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	if p == nil || p.sem == nil {
		return fn(ctx)
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)

	if p.opTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opTimeout)
		defer cancel()
	}
	return fn(ctx)
}
