package service

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/relaydev/agentrun/internal/domain/event"
	"github.com/relaydev/agentrun/internal/domain/run"
	"github.com/relaydev/agentrun/internal/port/agentcore"
	"github.com/relaydev/agentrun/internal/port/broadcast"
	"github.com/relaydev/agentrun/internal/port/eventstore"
)

// sinkBuffer bounds how far the agent can run ahead of journal writes.
const sinkBuffer = 256

// AgentDriver owns one agent invocation: it forwards the agent's event
// stream into the journal in arrival order and returns the agent's result.
type AgentDriver struct {
	agent   agentcore.Agent
	journal eventstore.Store
	hub     broadcast.Broadcaster
}

// NewAgentDriver creates a driver around the injected agent core.
func NewAgentDriver(agent agentcore.Agent, journal eventstore.Store, hub broadcast.Broadcaster) *AgentDriver {
	if hub == nil {
		hub = broadcast.Nop{}
	}
	return &AgentDriver{agent: agent, journal: journal, hub: hub}
}

// Run invokes the agent once. Events flow through a single consumer task so
// per-attempt causal order reaches the journal even though the sink writes
// asynchronously. onSandboxID is called for every status event carrying a
// sandboxId, letting the sandbox supervisor reconcile the persisted id.
//
// When ctx is cancelled the driver stops forwarding events and the agent
// call unwinds with agentcore.ErrRunAborted.
func (d *AgentDriver) Run(ctx context.Context, r *run.Run, resolved *ResolvedModel, sandboxID string, onSandboxID func(string)) (*agentcore.Result, error) {
	sink := make(chan agentcore.Event, sinkBuffer)
	drained := make(chan struct{})

	// Journal writes survive attempt cancellation: events already received
	// are persisted before the consumer exits.
	journalCtx := context.WithoutCancel(ctx)

	go func() {
		defer close(drained)
		for ev := range sink {
			d.forward(journalCtx, r.ID, ev, onSandboxID)
		}
	}()

	req := agentcore.Request{
		RunID:     r.ID,
		Prompt:    r.Prompt,
		Input:     r.Input,
		Provider:  resolved.Provider,
		Model:     resolved.Model,
		Backend:   r.Backend,
		SandboxID: sandboxID,
		OnEvent: func(ev agentcore.Event) {
			select {
			case <-ctx.Done():
				// Cancelled: drop further events instead of blocking the agent.
			case sink <- ev:
			}
		},
	}

	res, err := d.agent.Run(ctx, req)
	close(sink)
	<-drained

	if err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(map[string]any{
		"status":      event.StatusModelResolved,
		"provider":    res.Provider,
		"model":       res.Model,
		"modelSource": res.ModelSource,
	})
	d.append(journalCtx, r.ID, event.TypeStatus, payload)

	return res, nil
}

// forward maps one agent event onto the journal.
func (d *AgentDriver) forward(ctx context.Context, runID string, ev agentcore.Event, onSandboxID func(string)) {
	var typ event.Type
	switch ev.Type {
	case agentcore.EventToken:
		typ = event.TypeToken
	case agentcore.EventTool:
		typ = event.TypeTool
	case agentcore.EventFileOp:
		typ = event.TypeFileOp
	case agentcore.EventStatus:
		typ = event.TypeStatus
		if onSandboxID != nil {
			var probe struct {
				SandboxID string `json:"sandboxId"`
			}
			if json.Unmarshal(ev.Payload, &probe) == nil && probe.SandboxID != "" {
				onSandboxID(probe.SandboxID)
			}
		}
	default:
		// Unknown agent event kinds pass through as status for forward
		// compatibility rather than being dropped.
		typ = event.TypeStatus
	}
	d.append(ctx, runID, typ, ev.Payload)
}

func (d *AgentDriver) append(ctx context.Context, runID string, typ event.Type, payload json.RawMessage) {
	ev, err := d.journal.Append(ctx, runID, typ, payload)
	if err != nil {
		slog.Error("journal append failed", "run_id", runID, "type", typ, "error", err)
		return
	}
	d.hub.BroadcastEvent(ctx, "run.event", map[string]any{
		"run_id":   runID,
		"event_id": ev.ID,
		"seq":      ev.Seq,
		"type":     string(typ),
		"payload":  json.RawMessage(payload),
	})
}
