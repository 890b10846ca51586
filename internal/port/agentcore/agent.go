// Package agentcore defines the collaborator interface to the LLM agent.
// The orchestrator schedules exactly one Run call per attempt; prompt
// construction, tool schemas, and the plan/build dialogue live entirely
// behind this interface.
package agentcore

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/relaydev/agentrun/internal/domain/run"
)

// ErrRunAborted is the typed cancellation signal the agent reports when its
// call is aborted. It is not an execution failure: the supervisor writes no
// terminal error event for it.
var ErrRunAborted = errors.New("run aborted")

// EventType classifies an event emitted by the agent during a run.
type EventType string

const (
	EventToken  EventType = "token"
	EventTool   EventType = "tool"
	EventFileOp EventType = "file_op"
	EventStatus EventType = "status"
)

// Event is one agent emission. Payload is opaque to the orchestrator and is
// forwarded verbatim; status strings in particular pass through unfiltered.
type Event struct {
	Type    EventType
	Payload json.RawMessage
}

// Request carries the inputs for one agent invocation.
type Request struct {
	RunID     string
	Prompt    string
	Input     json.RawMessage
	Provider  string
	Model     string
	Backend   run.WorkspaceBackend
	SandboxID string

	// OnEvent receives every agent event in emission order. It must not
	// block for long; the driver serializes journal writes behind it.
	OnEvent func(Event)
}

// Result is the agent's terminal output for a successful run.
type Result struct {
	Output      string
	Provider    string
	Model       string
	ModelSource string
	Usage       *run.Usage
	DurationMS  int64
}

// Agent is the port interface for the agent core.
type Agent interface {
	// Run executes one attempt. It returns ErrRunAborted (possibly
	// wrapped) when ctx is cancelled mid-call.
	Run(ctx context.Context, req Request) (*Result, error)
}
