// Package agenthttp is the thin client for the out-of-process agent core.
// The orchestrator never looks inside the agent's dialogue; it sends one
// run request and consumes the newline-delimited event stream until the
// terminal result record.
package agenthttp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/relaydev/agentrun/internal/domain/run"
	"github.com/relaydev/agentrun/internal/port/agentcore"
)

// record is one line of the agent core's NDJSON stream. Event records carry
// the forwarded payload; the stream ends with a "result" or "error" record.
type record struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type resultPayload struct {
	Output      string     `json:"output"`
	Provider    string     `json:"provider"`
	Model       string     `json:"model"`
	ModelSource string     `json:"modelSource"`
	Usage       *run.Usage `json:"usage,omitempty"`
	DurationMS  int64      `json:"durationMs,omitempty"`
}

type errorPayload struct {
	Message string `json:"message"`
	Aborted bool   `json:"aborted,omitempty"`
}

// Client implements agentcore.Agent over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates an agent core client. The HTTP client carries no
// timeout; the caller bounds the run through its context.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
}

// Run executes one attempt against the agent core, forwarding each stream
// record to req.OnEvent. Context cancellation aborts the call and surfaces
// agentcore.ErrRunAborted.
func (c *Client) Run(ctx context.Context, req agentcore.Request) (*agentcore.Result, error) {
	body, err := json.Marshal(map[string]any{
		"runId":            req.RunID,
		"prompt":           req.Prompt,
		"input":            req.Input,
		"provider":         req.Provider,
		"model":            req.Model,
		"workspaceBackend": string(req.Backend),
		"sandboxId":        req.SandboxID,
	})
	if err != nil {
		return nil, fmt.Errorf("encode agent request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/runs", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build agent request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("agent call: %w", agentcore.ErrRunAborted)
		}
		return nil, fmt.Errorf("agent call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agent call: status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("decode agent stream: %w", err)
		}

		switch rec.Type {
		case "result":
			var res resultPayload
			if err := json.Unmarshal(rec.Payload, &res); err != nil {
				return nil, fmt.Errorf("decode agent result: %w", err)
			}
			return &agentcore.Result{
				Output:      res.Output,
				Provider:    res.Provider,
				Model:       res.Model,
				ModelSource: res.ModelSource,
				Usage:       res.Usage,
				DurationMS:  res.DurationMS,
			}, nil
		case "error":
			var ep errorPayload
			if err := json.Unmarshal(rec.Payload, &ep); err != nil {
				return nil, fmt.Errorf("decode agent error: %w", err)
			}
			if ep.Aborted {
				return nil, fmt.Errorf("agent: %s: %w", ep.Message, agentcore.ErrRunAborted)
			}
			return nil, fmt.Errorf("agent: %s", ep.Message)
		default:
			if req.OnEvent != nil {
				req.OnEvent(agentcore.Event{
					Type:    agentcore.EventType(rec.Type),
					Payload: rec.Payload,
				})
			}
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("agent stream: %w", agentcore.ErrRunAborted)
		}
		return nil, fmt.Errorf("agent stream: %w", err)
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("agent stream ended: %w", agentcore.ErrRunAborted)
	}
	return nil, errors.New("agent stream ended without a result record")
}
