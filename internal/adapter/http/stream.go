package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

const (
	streamPollInterval = time.Second
	streamPingInterval = 15 * time.Second
	streamBatchLimit   = 200
)

// StreamRunEvents handles GET /api/v1/runs/{id}/events/stream: an SSE
// stream that replays every event with id > the resume cursor, then follows
// live appends, closing once the run is terminal and fully replayed.
// Prefix-consistent journal reads make polling a correct live tail.
func (h *Handlers) StreamRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := urlParam(r, "id")

	var cursor int64
	if after := r.URL.Query().Get("after"); after != "" {
		parsed, err := strconv.ParseInt(after, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid after cursor")
			return
		}
		cursor = parsed
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	rn, err := h.Runs.Get(r.Context(), runID)
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	poll := time.NewTicker(streamPollInterval)
	defer poll.Stop()
	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()

	terminal := rn.Status.IsTerminal()
	for {
		events, err := h.Runs.ListEventsAfter(ctx, runID, cursor, streamBatchLimit)
		if err != nil {
			return
		}
		for _, ev := range events {
			payload, merr := json.Marshal(ev)
			if merr != nil {
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, payload)
			cursor = ev.ID
		}
		if len(events) > 0 {
			flusher.Flush()
		}

		// Drain the journal completely after terminal state, then close.
		if terminal && len(events) < streamBatchLimit {
			return
		}
		if len(events) == streamBatchLimit {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			fmt.Fprint(w, "event: ping\ndata: {}\n\n")
			flusher.Flush()
		case <-poll.C:
			if !terminal {
				rn, err = h.Runs.Get(ctx, runID)
				if err != nil {
					return
				}
				terminal = rn.Status.IsTerminal()
			}
		}
	}
}
