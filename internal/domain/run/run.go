// Package run defines the Run domain entity for agent execution.
package run

import (
	"encoding/json"
	"time"
)

// Status represents the current state of a run.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status is final. Terminal statuses are
// sticky: no subsequent update may change them.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusCancelled:
		return true
	}
	return false
}

// WorkspaceBackend defines where the agent's working tree lives for a run.
type WorkspaceBackend string

const (
	BackendHost WorkspaceBackend = "host" // project filesystem on this machine
	BackendE2B  WorkspaceBackend = "e2b"  // remote sandbox
)

// transitions maps a status to the set of statuses it may move to.
// Cancellation is additionally accepted from cancelled itself so that the
// cancel operation stays idempotent.
var transitions = map[Status][]Status{
	StatusQueued:    {StatusRunning, StatusCancelled},
	StatusRunning:   {StatusCompleted, StatusError, StatusCancelled, StatusQueued},
	StatusCancelled: {StatusCancelled},
}

// CanTransition reports whether a run may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Usage holds token accounting for a successful run. It is only written
// when the run completes.
type Usage struct {
	InputTokens           int64 `json:"input_tokens"`
	OutputTokens          int64 `json:"output_tokens"`
	TotalTokens           int64 `json:"total_tokens"`
	CachedInputTokens     int64 `json:"cached_input_tokens,omitempty"`
	ReasoningOutputTokens int64 `json:"reasoning_output_tokens,omitempty"`
}

// Run represents a single invocation of the agent on a prompt, scoped to a
// project. A run owns its job, events, artifacts, and messages.
type Run struct {
	ID             string           `json:"id"`
	ProjectID      string           `json:"project_id"`
	ParentRunID    string           `json:"parent_run_id,omitempty"`
	RunIndex       int              `json:"run_index"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
	Prompt         string           `json:"prompt"`
	Input          json.RawMessage  `json:"input,omitempty"`
	Provider       string           `json:"provider,omitempty"`
	Model          string           `json:"model,omitempty"`
	Backend        WorkspaceBackend `json:"workspace_backend"`
	Status         Status           `json:"status"`

	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
	SandboxID   string `json:"sandbox_id,omitempty"`

	Output           string  `json:"output,omitempty"`
	Error            string  `json:"error,omitempty"`
	Usage            *Usage  `json:"usage,omitempty"`
	DurationMS       int64   `json:"duration_ms,omitempty"`
	CostCurrency     string  `json:"cost_currency"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd,omitempty"`
	PricingVersion   string  `json:"pricing_version,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// CreateRequest holds the fields needed to create a new run.
type CreateRequest struct {
	ProjectID      string           `json:"project_id"`
	ParentRunID    string           `json:"parent_run_id,omitempty"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
	Prompt         string           `json:"prompt"`
	Input          json.RawMessage  `json:"input,omitempty"`
	Provider       string           `json:"provider,omitempty"`
	Model          string           `json:"model,omitempty"`
	Backend        WorkspaceBackend `json:"workspace_backend,omitempty"`
	MaxAttempts    int              `json:"max_attempts,omitempty"`
}

// CompleteMeta carries the result metadata written alongside the output on
// successful completion.
type CompleteMeta struct {
	Provider         string
	Model            string
	Usage            *Usage
	DurationMS       int64
	EstimatedCostUSD float64
	PricingVersion   string
}
