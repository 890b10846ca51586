package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/relaydev/agentrun/internal/domain"
	"github.com/relaydev/agentrun/internal/domain/job"
)

// ClaimRunForExecution promotes a queued job to running iff its run is not
// terminal. The single UPDATE is the claim CAS: racing workers get exactly
// one winner.
func (s *Store) ClaimRunForExecution(ctx context.Context, runID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs j SET status = 'running', updated_at = now()
		 FROM runs r
		 WHERE j.run_id = $1 AND r.id = j.run_id
		   AND j.status = 'queued'
		   AND r.status NOT IN ('completed', 'error', 'cancelled')`,
		runID)
	if err != nil {
		return false, fmt.Errorf("claim run %s: %w", runID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) GetJob(ctx context.Context, runID string) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT run_id, status, attempts, max_attempts, next_run_at, updated_at
		 FROM jobs WHERE run_id = $1`, runID)

	var j job.Job
	if err := row.Scan(&j.RunID, &j.Status, &j.Attempts, &j.MaxAttempts, &j.NextRunAt, &j.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get job %s: %w", runID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get job %s: %w", runID, err)
	}
	return &j, nil
}

func (s *Store) MarkJobSucceeded(ctx context.Context, runID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'succeeded', updated_at = now() WHERE run_id = $1`, runID)
	if err != nil {
		return fmt.Errorf("mark job succeeded %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark job succeeded %s: %w", runID, domain.ErrNotFound)
	}
	return nil
}

// MarkJobCancelled is a no-op for jobs that already succeeded or failed.
func (s *Store) MarkJobCancelled(ctx context.Context, runID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'cancelled', updated_at = now()
		 WHERE run_id = $1 AND status NOT IN ('succeeded', 'failed')`, runID)
	if err != nil {
		return fmt.Errorf("mark job cancelled %s: %w", runID, err)
	}
	return nil
}

// MarkJobFailed records a failed attempt. While the budget allows, the job
// goes back to queued with next_run_at pushed out by the backoff delay;
// on the final attempt it is marked failed.
func (s *Store) MarkJobFailed(ctx context.Context, runID string, attempts int, delay time.Duration) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET attempts = $2,
		        status = CASE WHEN $2 < max_attempts THEN 'queued' ELSE 'failed' END,
		        next_run_at = CASE WHEN $2 < max_attempts THEN now() + make_interval(secs => $3) ELSE next_run_at END,
		        updated_at = now()
		 WHERE run_id = $1`,
		runID, attempts, delay.Seconds())
	if err != nil {
		return fmt.Errorf("mark job failed %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark job failed %s: %w", runID, domain.ErrNotFound)
	}
	return nil
}

// RequeueStaleRunningJobs flips every running job whose updated_at is older
// than the threshold back to queued, reverts the run status, and returns
// the affected run ids for republication.
func (s *Store) RequeueStaleRunningJobs(ctx context.Context, staleFor time.Duration) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`WITH stale AS (
		     UPDATE jobs SET status = 'queued', updated_at = now()
		     WHERE status = 'running' AND updated_at < now() - make_interval(secs => $1)
		     RETURNING run_id
		 )
		 UPDATE runs r SET status = 'queued', updated_at = now()
		 FROM stale s WHERE r.id = s.run_id AND r.status = 'running'
		 RETURNING r.id`,
		staleFor.Seconds())
	if err != nil {
		return nil, fmt.Errorf("requeue stale running jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale run id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListRunnableQueuedJobRunIDs returns queued jobs whose backoff has elapsed
// and that have sat queued for at least minAge, oldest first.
func (s *Store) ListRunnableQueuedJobRunIDs(ctx context.Context, limit int, minAge time.Duration) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT run_id FROM jobs
		 WHERE status = 'queued' AND next_run_at <= now()
		   AND updated_at <= now() - make_interval(secs => $2)
		 ORDER BY updated_at ASC LIMIT $1`,
		limit, minAge.Seconds())
	if err != nil {
		return nil, fmt.Errorf("list runnable queued jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan queued run id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
