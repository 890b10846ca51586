// Package artifact defines run byproducts stored by reference.
package artifact

import "time"

// Artifact references a blob produced by a run, stored in the artifact
// bucket under Path. Written once on snapshot; queryable by run.
type Artifact struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	MIME      string    `json:"mime"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// WorkspaceKey returns the canonical object-store key for a run's
// workspace snapshot. At most one exists per run; re-captures replace it.
func WorkspaceKey(runID string) string {
	return "runs/" + runID + "/workspace.zip"
}
