package http

import (
	"net/http"
	"strconv"

	"github.com/relaydev/agentrun/internal/domain/run"
	"github.com/relaydev/agentrun/internal/service"
)

// Handlers bundles the HTTP handler dependencies.
type Handlers struct {
	Runs *service.RunService
}

// CreateRun handles POST /api/v1/projects/{id}/runs. The Idempotency-Key
// header scopes duplicate submissions to the project.
func (h *Handlers) CreateRun(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[run.CreateRequest](w, r)
	if !ok {
		return
	}
	req.ProjectID = urlParam(r, "id")
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}

	created, wasCreated, err := h.Runs.Create(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "project not found")
		return
	}

	status := http.StatusCreated
	if !wasCreated {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"run":     created,
		"created": wasCreated,
	})
}

// GetRun handles GET /api/v1/runs/{id}.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	rn, err := h.Runs.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, rn)
}

// GetProjectRun handles GET /api/v1/projects/{id}/runs/{runID}.
func (h *Handlers) GetProjectRun(w http.ResponseWriter, r *http.Request) {
	rn, err := h.Runs.GetInProject(r.Context(), urlParam(r, "id"), urlParam(r, "runID"))
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, rn)
}

// CancelRun handles POST /api/v1/runs/{id}/cancel. Cancelling a cancelled
// run is a successful no-op.
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	rn, cancelled, err := h.Runs.Cancel(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    rn.Status,
		"cancelled": cancelled,
	})
}

// ListRunEvents handles GET /api/v1/runs/{id}/events.
// ?after=<id> replays forward from a cursor; ?limit + ?offset back-page.
func (h *Handlers) ListRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := urlParam(r, "id")
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))

	if after := q.Get("after"); after != "" {
		afterID, err := strconv.ParseInt(after, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid after cursor")
			return
		}
		events, err := h.Runs.ListEventsAfter(r.Context(), runID, afterID, limit)
		if err != nil {
			writeDomainError(w, err, "run not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": events})
		return
	}

	offset, _ := strconv.Atoi(q.Get("offset"))
	events, err := h.Runs.ListEvents(r.Context(), runID, limit, offset)
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// ListRunArtifacts handles GET /api/v1/runs/{id}/artifacts.
func (h *Handlers) ListRunArtifacts(w http.ResponseWriter, r *http.Request) {
	artifacts, err := h.Runs.ListArtifacts(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": artifacts})
}

// ListRunMessages handles GET /api/v1/runs/{id}/messages.
func (h *Handlers) ListRunMessages(w http.ResponseWriter, r *http.Request) {
	rn, err := h.Runs.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	messages, err := h.Runs.ListMessages(r.Context(), rn.ProjectID, rn.ID)
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}
