package ws

// Event type strings sent in the Message envelope.
const (
	// EventRunEvent carries one journal event as it is appended.
	EventRunEvent = "run.event"
	// EventRunStatus carries run status changes (queued/running/terminal).
	EventRunStatus = "run.status"
)

// RunEventPayload mirrors a journal event for live consumers.
type RunEventPayload struct {
	RunID   string `json:"run_id"`
	EventID int64  `json:"event_id"`
	Seq     int    `json:"seq"`
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// RunStatusPayload announces a run status change.
type RunStatusPayload struct {
	RunID     string `json:"run_id"`
	ProjectID string `json:"project_id"`
	Status    string `json:"status"`
}
