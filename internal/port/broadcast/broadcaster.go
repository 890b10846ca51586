// Package broadcast defines the live event fan-out port (interface).
package broadcast

import "context"

// Broadcaster pushes an event to all connected stream clients. Delivery is
// best-effort; the journal remains the durable record.
type Broadcaster interface {
	BroadcastEvent(ctx context.Context, eventType string, payload any)
}

// Nop is a Broadcaster that discards everything.
type Nop struct{}

// BroadcastEvent implements Broadcaster.
func (Nop) BroadcastEvent(context.Context, string, any) {}
