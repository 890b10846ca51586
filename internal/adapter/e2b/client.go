// Package e2b implements the sandbox provider port against the e2b REST API.
package e2b

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/relaydev/agentrun/internal/config"
	"github.com/relaydev/agentrun/internal/port/sandbox"
	"github.com/relaydev/agentrun/internal/resilience"
)

const headerAPIKey = "X-API-Key"

// Client talks to the e2b sandbox API. All calls go through a transient
// retry wrapper: delay = min(maxDelay, baseDelay * 2^(attempt-1) + jitter),
// and errors are retried only when they match the known transient set.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *resilience.Breaker

	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration

	cmdTimeout       time.Duration
	hardTimeoutGrace time.Duration
	hardTimeoutCap   time.Duration
}

// NewClient creates a sandbox API client from the e2b config section.
func NewClient(cfg config.E2B) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		retryAttempts:    cfg.RetryAttempts,
		retryBaseDelay:   cfg.RetryBaseDelay,
		retryMaxDelay:    cfg.RetryMaxDelay,
		cmdTimeout:       cfg.CmdTimeout,
		hardTimeoutGrace: cfg.HardTimeoutGrace,
		hardTimeoutCap:   cfg.HardTimeoutCap,
	}
}

// SetBreaker attaches a circuit breaker to all outgoing HTTP calls.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

// Create provisions a new sandbox from the given template.
func (c *Client) Create(ctx context.Context, template string, opts sandbox.CreateOptions) (sandbox.Sandbox, error) {
	req := map[string]any{"templateID": template}
	if opts.Timeout > 0 {
		req["timeoutMs"] = opts.Timeout.Milliseconds()
	}

	var resp struct {
		SandboxID string `json:"sandboxID"`
	}
	if err := c.do(ctx, http.MethodPost, "/sandboxes", req, &resp); err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}
	return &sbx{c: c, id: resp.SandboxID}, nil
}

// Connect reattaches to an existing sandbox by id.
func (c *Client) Connect(ctx context.Context, id string) (sandbox.Sandbox, error) {
	var resp struct {
		SandboxID string `json:"sandboxID"`
		State     string `json:"state"`
	}
	if err := c.do(ctx, http.MethodGet, "/sandboxes/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, fmt.Errorf("connect sandbox %s: %w", id, err)
	}
	return &sbx{c: c, id: id}, nil
}

// sbx is one live sandbox handle, owned by a single attempt.
type sbx struct {
	c  *Client
	id string
}

func (s *sbx) ID() string { return s.id }

func (s *sbx) ListFiles(ctx context.Context, dir string) ([]sandbox.FileInfo, error) {
	var resp struct {
		Entries []struct {
			Path  string `json:"path"`
			Name  string `json:"name"`
			IsDir bool   `json:"isDir"`
			Size  int64  `json:"size"`
		} `json:"entries"`
	}
	path := fmt.Sprintf("/sandboxes/%s/files?path=%s", url.PathEscape(s.id), url.QueryEscape(dir))
	if err := s.c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("list files %s: %w", dir, err)
	}

	infos := make([]sandbox.FileInfo, 0, len(resp.Entries))
	for _, e := range resp.Entries {
		infos = append(infos, sandbox.FileInfo{Path: e.Path, Name: e.Name, IsDir: e.IsDir, Size: e.Size})
	}
	return infos, nil
}

func (s *sbx) ReadFile(ctx context.Context, path string) ([]byte, error) {
	p := fmt.Sprintf("/sandboxes/%s/files/content?path=%s", url.PathEscape(s.id), url.QueryEscape(path))
	data, err := s.c.doRaw(ctx, http.MethodGet, p, nil)
	if err != nil {
		return nil, fmt.Errorf("read file %s: %w", path, err)
	}
	return data, nil
}

func (s *sbx) RunCommand(ctx context.Context, cmd string, opts sandbox.CommandOptions) (*sandbox.CommandResult, error) {
	soft := opts.Timeout
	if soft <= 0 {
		soft = s.c.cmdTimeout
	}
	// The hard timeout bounds the HTTP wait: soft + grace, capped.
	hard := soft + s.c.hardTimeoutGrace
	if hard > s.c.hardTimeoutCap {
		hard = s.c.hardTimeoutCap
	}
	ctx, cancel := context.WithTimeout(ctx, hard)
	defer cancel()

	req := map[string]any{
		"cmd":       cmd,
		"cwd":       opts.Cwd,
		"envs":      opts.Envs,
		"timeoutMs": soft.Milliseconds(),
	}
	var resp struct {
		ExitCode int    `json:"exitCode"`
		Stdout   string `json:"stdout"`
		Stderr   string `json:"stderr"`
	}
	p := fmt.Sprintf("/sandboxes/%s/commands", url.PathEscape(s.id))
	if err := s.c.do(ctx, http.MethodPost, p, req, &resp); err != nil {
		return nil, fmt.Errorf("run command: %w", err)
	}
	return &sandbox.CommandResult{ExitCode: resp.ExitCode, Stdout: resp.Stdout, Stderr: resp.Stderr}, nil
}

func (s *sbx) Close(ctx context.Context) error {
	if err := s.c.do(ctx, http.MethodDelete, "/sandboxes/"+url.PathEscape(s.id), nil, nil); err != nil {
		return fmt.Errorf("close sandbox %s: %w", s.id, err)
	}
	return nil
}

// do executes a JSON request with retry and decodes the response into out.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	data, err := c.doRaw(ctx, method, path, in)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// doRaw executes a request with the transient retry wrapper and returns the
// response body.
func (c *Client) doRaw(ctx context.Context, method, path string, in any) ([]byte, error) {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
	}

	op := func() ([]byte, error) {
		data, err := c.once(ctx, method, path, body)
		if err != nil && !retryable(err) {
			return nil, backoff.Permanent(err)
		}
		return data, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryBaseDelay
	bo.Multiplier = 2
	bo.MaxInterval = c.retryMaxDelay

	attempts := c.retryAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(attempts)))
}

func (c *Client) once(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set(headerAPIKey, c.apiKey)
	}

	var data []byte
	call := func() error {
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%s %s: %w", method, path, err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err = io.ReadAll(io.LimitReader(resp.Body, 32<<20))
		if err != nil {
			return fmt.Errorf("%s %s: read body: %w", method, path, err)
		}
		if resp.StatusCode >= 300 {
			return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
		}
		return nil
	}

	if c.breaker != nil {
		err = c.breaker.Execute(call)
	} else {
		err = call()
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// transientMarkers are the substrings that identify retryable failures.
var transientMarkers = []string{
	"status 429",
	"status 502",
	"status 503",
	"status 504",
	"connection reset",
	"connection refused",
	"broken pipe",
	"fetch failed",
	"timeout",
	"timed out",
	"deadline exceeded",
	"temporarily unavailable",
	"EOF",
}

// retryable reports whether an error message matches the known transient set.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
