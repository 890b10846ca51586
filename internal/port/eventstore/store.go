// Package eventstore defines the append-only run journal port (interface).
package eventstore

import (
	"context"
	"encoding/json"

	"github.com/relaydev/agentrun/internal/domain/event"
)

// Store is the port interface for the per-run event journal.
//
// The journal is append-only and totally ordered within a run: seq is dense
// 1..N, id order matches insertion order, and readers always observe a
// prefix-consistent view.
type Store interface {
	// Append assigns seq = max(seq)+1 atomically and inserts the event.
	// Concurrent appenders race on seq; the loser retries with a fresh
	// value a bounded number of times before surfacing failure.
	Append(ctx context.Context, runID string, typ event.Type, payload json.RawMessage) (*event.Event, error)

	// ListAfter returns events with id > afterID, ordered by id ascending.
	ListAfter(ctx context.Context, runID string, afterID int64, limit int) ([]event.Event, error)

	// List returns a back-paging window ordered by id ascending.
	List(ctx context.Context, runID string, limit, offset int) ([]event.Event, error)
}
