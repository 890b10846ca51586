package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaydev/agentrun/internal/domain/event"
)

// appendRetries bounds retries when concurrent appenders race on seq.
const appendRetries = 5

// EventStore implements eventstore.Store using PostgreSQL (append-only).
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates a new EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Append inserts an event with seq = max(seq)+1 for the run. Two concurrent
// appenders race on the (run_id, seq) unique constraint; the loser retries
// with a fresh max up to appendRetries times.
func (s *EventStore) Append(ctx context.Context, runID string, typ event.Type, payload json.RawMessage) (*event.Event, error) {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	var lastErr error
	for attempt := 0; attempt <= appendRetries; attempt++ {
		ev := event.Event{RunID: runID, Type: typ, Payload: payload}
		row := s.pool.QueryRow(ctx,
			`INSERT INTO events (run_id, seq, event_type, payload)
			 SELECT $1, COALESCE(MAX(seq), 0) + 1, $2::text, $3::jsonb FROM events WHERE run_id = $1
			 RETURNING id, seq, ts`,
			runID, string(typ), payload)

		err := row.Scan(&ev.ID, &ev.Seq, &ev.TS)
		if err == nil {
			return &ev, nil
		}
		if !isUniqueViolation(err) {
			return nil, fmt.Errorf("append event for run %s: %w", runID, err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("append event for run %s: seq contention after %d retries: %w",
		runID, appendRetries, lastErr)
}

// ListAfter returns events with id > afterID, ordered by id ascending.
// Because ids are assigned in insertion order, readers get a
// prefix-consistent view of the run's journal.
func (s *EventStore) ListAfter(ctx context.Context, runID string, afterID int64, limit int) ([]event.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, seq, event_type, payload, ts
		 FROM events WHERE run_id = $1 AND id > $2
		 ORDER BY id ASC LIMIT $3`, runID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events after %d for run %s: %w", afterID, runID, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// List returns a back-paging window ordered by id ascending.
func (s *EventStore) List(ctx context.Context, runID string, limit, offset int) ([]event.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, seq, event_type, payload, ts
		 FROM events WHERE run_id = $1
		 ORDER BY id ASC LIMIT $2 OFFSET $3`, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list events for run %s: %w", runID, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanEvents(rows pgxRows) ([]event.Event, error) {
	var events []event.Event
	for rows.Next() {
		var ev event.Event
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.Seq, &ev.Type, &ev.Payload, &ev.TS); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
