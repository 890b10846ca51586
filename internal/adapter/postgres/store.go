package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaydev/agentrun/internal/domain"
	"github.com/relaydev/agentrun/internal/domain/event"
	"github.com/relaydev/agentrun/internal/domain/message"
	"github.com/relaydev/agentrun/internal/domain/run"
)

// createRetries bounds retries of the CreateRun transaction when two
// concurrent creators collide on the idempotency or run_index index.
const createRetries = 3

// runColumns is the column list shared by every run SELECT.
const runColumns = `id, project_id, COALESCE(parent_run_id::text, ''), run_index,
	COALESCE(idempotency_key, ''), prompt, input, provider, model,
	workspace_backend, status, attempt, max_attempts, COALESCE(sandbox_id, ''),
	output, error, input_tokens, output_tokens, total_tokens,
	cached_input_tokens, reasoning_output_tokens, duration_ms, cost_currency,
	COALESCE(estimated_cost_usd, 0), COALESCE(pricing_version, ''),
	created_at, started_at, completed_at, updated_at`

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// CreateRun inserts a run, its job, a status{queued} journal event, and the
// prompt message in one transaction. When a run with the same
// (project_id, idempotency_key) already exists it is returned unchanged
// with created=false.
func (s *Store) CreateRun(ctx context.Context, req run.CreateRequest) (*run.Run, bool, error) {
	for attempt := 0; ; attempt++ {
		r, created, err := s.tryCreateRun(ctx, req)
		if err == nil {
			return r, created, nil
		}
		if isUniqueViolation(err) && attempt < createRetries {
			continue
		}
		return nil, false, err
	}
}

func (s *Store) tryCreateRun(ctx context.Context, req run.CreateRequest) (*run.Run, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin create run: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if req.IdempotencyKey != "" {
		row := tx.QueryRow(ctx,
			`SELECT `+runColumns+` FROM runs
			 WHERE project_id = $1 AND idempotency_key = $2`,
			req.ProjectID, req.IdempotencyKey)
		existing, err := scanRun(row)
		if err == nil {
			return &existing, false, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, fmt.Errorf("idempotency lookup: %w", err)
		}
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 3
	}

	row := tx.QueryRow(ctx,
		`INSERT INTO runs (project_id, parent_run_id, run_index, idempotency_key,
		                   prompt, input, provider, model, workspace_backend, max_attempts)
		 SELECT $1, $2::uuid, COALESCE(MAX(run_index), 0) + 1, $3::text, $4::text, $5::jsonb,
		        $6::text, $7::text, $8::text, $9::int
		 FROM runs WHERE project_id = $1
		 RETURNING `+runColumns,
		req.ProjectID, nullIfEmpty(req.ParentRunID), nullIfEmpty(req.IdempotencyKey),
		req.Prompt, req.Input, req.Provider, req.Model, string(req.Backend), maxAttempts)

	r, err := scanRun(row)
	if err != nil {
		return nil, false, fmt.Errorf("insert run: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO jobs (run_id, max_attempts) VALUES ($1, $2)`,
		r.ID, maxAttempts); err != nil {
		return nil, false, fmt.Errorf("insert job: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO events (run_id, seq, event_type, payload) VALUES ($1, 1, $2, $3)`,
		r.ID, string(event.TypeStatus), event.StatusPayload(event.StatusQueued, nil)); err != nil {
		return nil, false, fmt.Errorf("insert queued event: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO messages (project_id, run_id, role, content) VALUES ($1, $2, $3, $4)`,
		r.ProjectID, r.ID, string(message.RoleUser), r.Prompt); err != nil {
		return nil, false, fmt.Errorf("insert prompt message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit create run: %w", err)
	}
	return &r, true, nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*run.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get run %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return &r, nil
}

func (s *Store) GetRunInProject(ctx context.Context, projectID, id string) (*run.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = $1 AND project_id = $2`, id, projectID)
	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get run %s in project %s: %w", id, projectID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get run %s in project %s: %w", id, projectID, err)
	}
	return &r, nil
}

// GetLatestWritableRun returns the newest run of the project that has not
// terminally failed or been cancelled, for threading continuation messages.
func (s *Store) GetLatestWritableRun(ctx context.Context, projectID string) (*run.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE project_id = $1 AND status NOT IN ('error', 'cancelled')
		 ORDER BY created_at DESC LIMIT 1`, projectID)
	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("latest writable run in %s: %w", projectID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("latest writable run in %s: %w", projectID, err)
	}
	return &r, nil
}

func (s *Store) SetRunExecutionAttempt(ctx context.Context, id string, attempt, maxAttempts int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET attempt = $2, max_attempts = $3, updated_at = now() WHERE id = $1`,
		id, attempt, maxAttempts)
	if err != nil {
		return fmt.Errorf("set run attempt %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set run attempt %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) SetRunSandboxID(ctx context.Context, id, sandboxID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET sandbox_id = $2, updated_at = now() WHERE id = $1`,
		id, nullIfEmpty(sandboxID))
	if err != nil {
		return fmt.Errorf("set run sandbox %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set run sandbox %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) SetRunWorkspaceBackend(ctx context.Context, id string, backend run.WorkspaceBackend) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET workspace_backend = $2, updated_at = now() WHERE id = $1`,
		id, string(backend))
	if err != nil {
		return fmt.Errorf("set run backend %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set run backend %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// UpdateRunStatus applies a lifecycle transition, rejecting moves the state
// machine does not allow. Moving into running stamps started_at once.
func (s *Store) UpdateRunStatus(ctx context.Context, id string, status run.Status) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin status update: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current run.Status
	if err := tx.QueryRow(ctx,
		`SELECT status FROM runs WHERE id = $1 FOR UPDATE`, id).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("update run status %s: %w", id, domain.ErrNotFound)
		}
		return fmt.Errorf("update run status %s: %w", id, err)
	}

	if !run.CanTransition(current, status) {
		return fmt.Errorf("update run status %s: %s -> %s: %w",
			id, current, status, domain.ErrInvalidTransition)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE runs SET status = $2,
		        started_at = CASE WHEN $2 = 'running' THEN COALESCE(started_at, now()) ELSE started_at END,
		        updated_at = now()
		 WHERE id = $1`, id, string(status)); err != nil {
		return fmt.Errorf("update run status %s: %w", id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit status update %s: %w", id, err)
	}
	return nil
}

// CompleteRun finalizes a successful run. It only succeeds while the run is
// running; usage and cost are written here and nowhere else.
func (s *Store) CompleteRun(ctx context.Context, id, output string, meta run.CompleteMeta) error {
	u := meta.Usage
	if u == nil {
		u = &run.Usage{}
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = 'completed', output = $2, provider = $3, model = $4,
		        input_tokens = $5, output_tokens = $6, total_tokens = $7,
		        cached_input_tokens = $8, reasoning_output_tokens = $9,
		        duration_ms = $10, estimated_cost_usd = $11, pricing_version = $12,
		        completed_at = now(), updated_at = now()
		 WHERE id = $1 AND status = 'running'`,
		id, output, meta.Provider, meta.Model,
		u.InputTokens, u.OutputTokens, u.TotalTokens,
		u.CachedInputTokens, u.ReasoningOutputTokens,
		meta.DurationMS, meta.EstimatedCostUSD, nullIfEmpty(meta.PricingVersion))
	if err != nil {
		return fmt.Errorf("complete run %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.notRunning(ctx, id, "complete")
	}
	return nil
}

// FailRun moves running → error and records the error text.
func (s *Store) FailRun(ctx context.Context, id, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = 'error', error = $2, completed_at = now(), updated_at = now()
		 WHERE id = $1 AND status = 'running'`, id, errMsg)
	if err != nil {
		return fmt.Errorf("fail run %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.notRunning(ctx, id, "fail")
	}
	return nil
}

// CancelRun moves a queued or running run to cancelled, together with its
// job. Cancelling an already-cancelled run is a no-op with changed=false.
func (s *Store) CancelRun(ctx context.Context, id string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin cancel run: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE runs SET status = 'cancelled', completed_at = COALESCE(completed_at, now()), updated_at = now()
		 WHERE id = $1 AND status IN ('queued', 'running')`, id)
	if err != nil {
		return false, fmt.Errorf("cancel run %s: %w", id, err)
	}

	if tag.RowsAffected() == 0 {
		var current run.Status
		if err := tx.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1`, id).Scan(&current); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return false, fmt.Errorf("cancel run %s: %w", id, domain.ErrNotFound)
			}
			return false, fmt.Errorf("cancel run %s: %w", id, err)
		}
		if current == run.StatusCancelled {
			return false, nil
		}
		return false, fmt.Errorf("cancel run %s: %s -> cancelled: %w",
			id, current, domain.ErrInvalidTransition)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE jobs SET status = 'cancelled', updated_at = now()
		 WHERE run_id = $1 AND status IN ('queued', 'running')`, id); err != nil {
		return false, fmt.Errorf("cancel job %s: %w", id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit cancel run %s: %w", id, err)
	}
	return true, nil
}

// QueueRunForRetry moves running → queued between attempts.
func (s *Store) QueueRunForRetry(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = 'queued', updated_at = now()
		 WHERE id = $1 AND status = 'running'`, id)
	if err != nil {
		return fmt.Errorf("queue run for retry %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.notRunning(ctx, id, "requeue")
	}
	return nil
}

// notRunning turns a zero-row conditional update into the precise error.
func (s *Store) notRunning(ctx context.Context, id, op string) error {
	var current run.Status
	err := s.pool.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s run %s: %w", op, id, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("%s run %s: %w", op, id, err)
	}
	return fmt.Errorf("%s run %s: status is %s: %w", op, id, current, domain.ErrInvalidTransition)
}

func scanRun(row scannable) (run.Run, error) {
	var r run.Run
	var parentRunID, idempotencyKey, sandboxID, pricingVersion string
	var output, errMsg *string
	var inputTok, outputTok, totalTok, cachedTok, reasoningTok, durationMS *int64
	err := row.Scan(
		&r.ID, &r.ProjectID, &parentRunID, &r.RunIndex,
		&idempotencyKey, &r.Prompt, &r.Input, &r.Provider, &r.Model,
		&r.Backend, &r.Status, &r.Attempt, &r.MaxAttempts, &sandboxID,
		&output, &errMsg, &inputTok, &outputTok, &totalTok,
		&cachedTok, &reasoningTok, &durationMS, &r.CostCurrency,
		&r.EstimatedCostUSD, &pricingVersion,
		&r.CreatedAt, &r.StartedAt, &r.CompletedAt, &r.UpdatedAt,
	)
	if err != nil {
		return r, err
	}
	r.ParentRunID = parentRunID
	r.IdempotencyKey = idempotencyKey
	r.SandboxID = sandboxID
	r.PricingVersion = pricingVersion
	r.Output = emptyIfNil(output)
	r.Error = emptyIfNil(errMsg)
	if totalTok != nil {
		r.Usage = &run.Usage{
			InputTokens:  derefInt64(inputTok),
			OutputTokens: derefInt64(outputTok),
			TotalTokens:  *totalTok,
		}
		r.Usage.CachedInputTokens = derefInt64(cachedTok)
		r.Usage.ReasoningOutputTokens = derefInt64(reasoningTok)
	}
	if durationMS != nil {
		r.DurationMS = *durationMS
	}
	return r, nil
}

func derefInt64(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}
