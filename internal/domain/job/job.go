// Package job defines the durable execution record paired 1:1 with a run.
// The job status is the queue's view of a run; run.Status is the user's.
package job

import "time"

// Status represents the queue-side state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the job status is final.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Job tracks queue and retry state for exactly one run.
type Job struct {
	RunID       string    `json:"run_id"`
	Status      Status    `json:"status"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	NextRunAt   time.Time `json:"next_run_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RetryDelay returns the backoff before the next attempt:
// min(maxBackoff, 2^attempts seconds). attempts is 1-based after the
// first failure.
func RetryDelay(attempts int, maxBackoff time.Duration) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	// Cap the shift before it can overflow; the min() below dominates far
	// earlier for any sane maxBackoff.
	if attempts > 30 {
		attempts = 30
	}
	d := time.Duration(1<<uint(attempts)) * time.Second
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
