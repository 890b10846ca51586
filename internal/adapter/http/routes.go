package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Route("/api/v1", func(r chi.Router) {
		// Version
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Runs (nested under projects)
		r.Post("/projects/{id}/runs", h.CreateRun)
		r.Get("/projects/{id}/runs/{runID}", h.GetProjectRun)

		// Runs (direct access)
		r.Get("/runs/{id}", h.GetRun)
		r.Post("/runs/{id}/cancel", h.CancelRun)
		r.Get("/runs/{id}/events", h.ListRunEvents)
		r.Get("/runs/{id}/events/stream", h.StreamRunEvents)
		r.Get("/runs/{id}/artifacts", h.ListRunArtifacts)
		r.Get("/runs/{id}/messages", h.ListRunMessages)
	})
}
