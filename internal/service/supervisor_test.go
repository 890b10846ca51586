package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/relaydev/agentrun/internal/domain"
	"github.com/relaydev/agentrun/internal/domain/artifact"
	"github.com/relaydev/agentrun/internal/domain/event"
	"github.com/relaydev/agentrun/internal/domain/job"
	"github.com/relaydev/agentrun/internal/domain/run"
	"github.com/relaydev/agentrun/internal/port/agentcore"
	"github.com/relaydev/agentrun/internal/port/hostcommit"
)

// testHarness bundles the fakes around one supervisor.
type testHarness struct {
	store   *mockStore
	journal *mockJournal
	queue   *mockQueue
	agent   *scriptedAgent
	sup     *Supervisor

	mu     sync.Mutex
	sleeps []time.Duration
}

func newHarness(t *testing.T, agent *scriptedAgent, provider *mockProvider, committer hostcommit.Committer) *testHarness {
	t.Helper()
	journal := &mockJournal{}
	store := newMockStore(journal)
	queue := &mockQueue{}
	objects := newMockObjects()

	driver := NewAgentDriver(agent, journal, nil)
	watcher := NewCancelWatcher(store, 5*time.Millisecond)
	selector := &ModelSelector{EnvProvider: "openai", EnvModel: "gpt-4.1"}

	var sbProvider *SandboxSupervisor
	if provider != nil {
		sbProvider = NewSandboxSupervisor(provider, store, journal, "base", time.Hour, 24*time.Hour)
	} else {
		sbProvider = NewSandboxSupervisor(nil, store, journal, "base", time.Hour, 24*time.Hour)
	}
	snapshots := NewSnapshotCapturer(store, journal, objects, "/home/user", 1<<20, 100)

	h := &testHarness{store: store, journal: journal, queue: queue, agent: agent}
	h.sup = NewSupervisor(store, journal, queue, driver, watcher, selector,
		sbProvider, snapshots, committer, nil, nil, SupervisorConfig{
			CancelGrace: 200 * time.Millisecond,
		})
	h.sup.sleep = func(_ context.Context, d time.Duration) error {
		h.mu.Lock()
		h.sleeps = append(h.sleeps, d)
		h.mu.Unlock()
		return nil
	}
	return h
}

func (h *testHarness) createRun(t *testing.T, req run.CreateRequest) *run.Run {
	t.Helper()
	r, created, err := h.store.CreateRun(context.Background(), req)
	if err != nil || !created {
		t.Fatalf("create run: created=%v err=%v", created, err)
	}
	return r
}

// eventTypes flattens a run's journal for order assertions. Status events
// render as "status:<status>".
func (h *testHarness) eventTypes(runID string) []string {
	var out []string
	for _, ev := range h.journal.forRun(runID) {
		if ev.Type == event.TypeStatus {
			var p struct {
				Status string `json:"status"`
			}
			_ = json.Unmarshal(ev.Payload, &p)
			out = append(out, "status:"+p.Status)
			continue
		}
		out = append(out, string(ev.Type))
	}
	return out
}

// assertDense checks the event-density and ordering properties: seq is
// exactly 1..N and id order equals seq order.
func assertDense(t *testing.T, h *testHarness, runID string) {
	t.Helper()
	events := h.journal.forRun(runID) // id order
	for i, ev := range events {
		if ev.Seq != i+1 {
			t.Fatalf("event %d: seq = %d, want %d (dense, id-ordered)", i, ev.Seq, i+1)
		}
	}
}

func okAgent(output string, usage *run.Usage, durationMS int64) *scriptedAgent {
	return &scriptedAgent{script: func(_ int, _ context.Context, req agentcore.Request) (*agentcore.Result, error) {
		req.OnEvent(agentcore.Event{Type: agentcore.EventToken, Payload: json.RawMessage(`{"text":"…"}`)})
		return &agentcore.Result{
			Output:      output,
			Provider:    req.Provider,
			Model:       req.Model,
			ModelSource: "env",
			Usage:       usage,
			DurationMS:  durationMS,
		}, nil
	}}
}

func TestHappyPathHostBackend(t *testing.T) {
	agent := okAgent("ok", &run.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}, 100)
	committer := &mockCommitter{result: hostcommit.Result{OK: true, Skipped: true}}
	h := newHarness(t, agent, nil, committer)

	r := h.createRun(t, run.CreateRequest{
		ProjectID:      "p1",
		Prompt:         "hi",
		IdempotencyKey: "k1",
		MaxAttempts:    3,
	})

	if err := h.sup.Process(context.Background(), r.ID); err != nil {
		t.Fatalf("Process: %v", err)
	}

	got, _ := h.store.GetRun(context.Background(), r.ID)
	if got.Status != run.StatusCompleted {
		t.Fatalf("run status = %s, want completed", got.Status)
	}
	if got.Output != "ok" {
		t.Errorf("output = %q", got.Output)
	}
	if got.Usage == nil || got.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v, want total 15", got.Usage)
	}
	if got.DurationMS != 100 {
		t.Errorf("durationMs = %d, want 100", got.DurationMS)
	}
	if got.Backend != run.BackendHost {
		t.Errorf("backend = %s, want host", got.Backend)
	}

	j, _ := h.store.GetJob(context.Background(), r.ID)
	if j.Status != job.StatusSucceeded {
		t.Fatalf("job status = %s, want succeeded", j.Status)
	}

	want := []string{
		"status:queued",
		"status:running",
		"token",
		"status:model_resolved",
		"done",
		"status:git_commit_skipped",
	}
	got2 := h.eventTypes(r.ID)
	if len(got2) != len(want) {
		t.Fatalf("events = %v, want %v", got2, want)
	}
	for i := range want {
		if got2[i] != want[i] {
			t.Fatalf("event %d = %s, want %s (full: %v)", i, got2[i], want[i], got2)
		}
	}
	assertDense(t, h, r.ID)
}

func TestRetryThenSuccess(t *testing.T) {
	agent := &scriptedAgent{script: func(attempt int, _ context.Context, req agentcore.Request) (*agentcore.Result, error) {
		if attempt == 1 {
			return nil, errors.New("transient boom")
		}
		return &agentcore.Result{Output: "done", Provider: req.Provider, Model: req.Model, ModelSource: "env"}, nil
	}}
	h := newHarness(t, agent, nil, nil)

	r := h.createRun(t, run.CreateRequest{ProjectID: "p1", Prompt: "retry me", MaxAttempts: 3})

	if err := h.sup.Process(context.Background(), r.ID); err != nil {
		t.Fatalf("Process: %v", err)
	}

	got, _ := h.store.GetRun(context.Background(), r.ID)
	if got.Status != run.StatusCompleted {
		t.Fatalf("run status = %s, want completed", got.Status)
	}
	if got.Attempt != 2 {
		t.Errorf("attempt = %d, want 2", got.Attempt)
	}

	types := h.eventTypes(r.ID)
	want := []string{
		"status:queued",
		"status:running",
		"status:attempt_failed",
		"status:retrying",
		"status:running",
		"status:model_resolved",
		"done",
	}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event %d = %s, want %s (full: %v)", i, types[i], want[i], types)
		}
	}

	// Backoff follows min(MAX_BACKOFF, 2^attempts): first retry sleeps 2s.
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.sleeps) != 1 || h.sleeps[0] != 2*time.Second {
		t.Errorf("sleeps = %v, want [2s]", h.sleeps)
	}

	// The retrying event records the same backoff.
	for _, ev := range h.journal.forRun(r.ID) {
		var p struct {
			Status         string `json:"status"`
			NextAttempt    int    `json:"nextAttempt"`
			BackoffSeconds int    `json:"backoffSeconds"`
		}
		_ = json.Unmarshal(ev.Payload, &p)
		if p.Status == event.StatusRetrying {
			if p.NextAttempt != 2 || p.BackoffSeconds != 2 {
				t.Errorf("retrying payload = %+v, want nextAttempt 2, backoffSeconds 2", p)
			}
		}
	}
	assertDense(t, h, r.ID)
}

func TestExhaustedRetries(t *testing.T) {
	agent := &scriptedAgent{script: func(int, context.Context, agentcore.Request) (*agentcore.Result, error) {
		return nil, errors.New("boom")
	}}
	h := newHarness(t, agent, nil, nil)

	r := h.createRun(t, run.CreateRequest{ProjectID: "p1", Prompt: "always fails", MaxAttempts: 2})

	if err := h.sup.Process(context.Background(), r.ID); err != nil {
		t.Fatalf("Process: %v", err)
	}

	got, _ := h.store.GetRun(context.Background(), r.ID)
	if got.Status != run.StatusError {
		t.Fatalf("run status = %s, want error", got.Status)
	}
	if got.Error != "boom" {
		t.Errorf("error = %q, want boom", got.Error)
	}

	j, _ := h.store.GetJob(context.Background(), r.ID)
	if j.Status != job.StatusFailed {
		t.Fatalf("job status = %s, want failed", j.Status)
	}

	// Terminal error event appears exactly once across all attempts.
	errorEvents := 0
	for _, ev := range h.journal.forRun(r.ID) {
		if ev.Type == event.TypeError {
			errorEvents++
			var p struct {
				Error       string `json:"error"`
				Attempts    int    `json:"attempts"`
				MaxAttempts int    `json:"maxAttempts"`
			}
			_ = json.Unmarshal(ev.Payload, &p)
			if p.Error != "boom" || p.Attempts != 2 || p.MaxAttempts != 2 {
				t.Errorf("error payload = %+v", p)
			}
		}
	}
	if errorEvents != 1 {
		t.Fatalf("error events = %d, want exactly 1", errorEvents)
	}

	// Retry bound: at most maxAttempts status{running} events.
	running := 0
	for _, typ := range h.eventTypes(r.ID) {
		if typ == "status:running" {
			running++
		}
	}
	if running != 2 {
		t.Errorf("running events = %d, want 2", running)
	}
	assertDense(t, h, r.ID)
}

func TestCancellationWhileRunning(t *testing.T) {
	started := make(chan struct{})
	agent := &scriptedAgent{script: func(_ int, ctx context.Context, _ agentcore.Request) (*agentcore.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, agentcore.ErrRunAborted
	}}
	h := newHarness(t, agent, nil, nil)

	r := h.createRun(t, run.CreateRequest{ProjectID: "p1", Prompt: "cancel me", MaxAttempts: 3})

	doneCh := make(chan error, 1)
	go func() { doneCh <- h.sup.Process(context.Background(), r.ID) }()

	<-started
	// The cancel path: single-writer transition plus the cancelled event.
	changed, err := h.store.CancelRun(context.Background(), r.ID)
	if err != nil || !changed {
		t.Fatalf("CancelRun: changed=%v err=%v", changed, err)
	}
	if _, err := h.journal.Append(context.Background(), r.ID, event.TypeStatus, event.StatusPayload(event.StatusCancelled, nil)); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-doneCh:
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("attempt did not unwind after cancellation")
	}

	got, _ := h.store.GetRun(context.Background(), r.ID)
	if got.Status != run.StatusCancelled {
		t.Fatalf("run status = %s, want cancelled", got.Status)
	}
	j, _ := h.store.GetJob(context.Background(), r.ID)
	if j.Status != job.StatusCancelled {
		t.Fatalf("job status = %s, want cancelled", j.Status)
	}

	// Cancellation finality: no done or error after status{cancelled}.
	sawCancelled := false
	for _, typ := range h.eventTypes(r.ID) {
		if typ == "status:cancelled" {
			sawCancelled = true
			continue
		}
		if sawCancelled && (typ == "done" || typ == "error") {
			t.Fatalf("terminal event %s after cancellation", typ)
		}
	}
	if !sawCancelled {
		t.Fatal("missing status{cancelled} event")
	}
}

func TestSandboxRunWithSnapshot(t *testing.T) {
	sb := newMockSandbox("sbx-1", "/home/user", map[string][]byte{
		"main.go":             []byte("package main\n"),
		"README.md":           []byte("# app\n"),
		"node_modules/x.js":   []byte("junk"),
		".env":                []byte("SECRET=1"),
		"sub/keys/server.pem": []byte("---"),
	})
	provider := &mockProvider{sb: sb}
	agent := okAgent("built", &run.Usage{InputTokens: 1, OutputTokens: 1, TotalTokens: 2}, 50)
	h := newHarness(t, agent, provider, nil)

	r := h.createRun(t, run.CreateRequest{
		ProjectID:   "p1",
		Prompt:      "build it",
		Backend:     run.BackendE2B,
		MaxAttempts: 3,
	})

	if err := h.sup.Process(context.Background(), r.ID); err != nil {
		t.Fatalf("Process: %v", err)
	}

	got, _ := h.store.GetRun(context.Background(), r.ID)
	if got.Status != run.StatusCompleted {
		t.Fatalf("run status = %s, want completed", got.Status)
	}
	if got.SandboxID != "" {
		t.Errorf("sandbox id not cleared after terminal state: %q", got.SandboxID)
	}
	if !sb.isClosed() {
		t.Error("sandbox not closed")
	}

	arts, _ := h.store.ListArtifacts(context.Background(), r.ID)
	if len(arts) != 1 || arts[0].Path != artifact.WorkspaceKey(r.ID) {
		t.Fatalf("artifacts = %+v, want one workspace.zip", arts)
	}
	if arts[0].Size <= 0 {
		t.Errorf("artifact size = %d, want > 0", arts[0].Size)
	}

	// sandbox_created early, snapshot_stored before done.
	types := h.eventTypes(r.ID)
	idx := map[string]int{}
	for i, typ := range types {
		idx[typ] = i
	}
	created, okCreated := idx["status:sandbox_created"]
	stored, okStored := idx["status:workspace_snapshot_stored"]
	done, okDone := idx["done"]
	if !okCreated || !okStored || !okDone {
		t.Fatalf("missing lifecycle events in %v", types)
	}
	if !(created < stored && stored < done) {
		t.Fatalf("event order wrong: %v", types)
	}
	assertDense(t, h, r.ID)
}

func TestSnapshotDeniesSensitiveFiles(t *testing.T) {
	sb := newMockSandbox("sbx-2", "/home/user", map[string][]byte{
		"app.go":         []byte("package app\n"),
		".env":           []byte("SECRET"),
		".env.local":     []byte("SECRET"),
		"id_rsa":         []byte("key"),
		"cert.pem":       []byte("cert"),
		"node_modules/a": []byte("dep"),
		".git/config":    []byte("git"),
		"vendor/lib.go":  []byte("vendored"),
		"src/handler.go": []byte("package src\n"),
	})
	journal := &mockJournal{}
	store := newMockStore(journal)
	objects := newMockObjects()
	capturer := NewSnapshotCapturer(store, journal, objects, "/home/user", 1<<20, 100)

	r, _, err := store.CreateRun(context.Background(), run.CreateRequest{ProjectID: "p", Prompt: "x"})
	if err != nil {
		t.Fatal(err)
	}
	capturer.Capture(context.Background(), r.ID, sb)

	data, err := objects.Get(context.Background(), artifact.WorkspaceKey(r.ID))
	if err != nil {
		t.Fatalf("snapshot missing: %v", err)
	}
	content := string(data)
	for _, wantIn := range []string{"app.go", "src/handler.go"} {
		if !contains(content, wantIn) {
			t.Errorf("snapshot missing entry %s", wantIn)
		}
	}
	for _, wantOut := range []string{".env", "id_rsa", "cert.pem", "node_modules", "vendor", ".git"} {
		if contains(content, wantOut) {
			t.Errorf("snapshot leaked %s", wantOut)
		}
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

func TestSnapshotBoundsFail(t *testing.T) {
	sb := newMockSandbox("sbx-3", "/home/user", map[string][]byte{
		"a.bin": make([]byte, 2048),
	})
	journal := &mockJournal{}
	store := newMockStore(journal)
	objects := newMockObjects()
	capturer := NewSnapshotCapturer(store, journal, objects, "/home/user", 1024, 100)

	r, _, err := store.CreateRun(context.Background(), run.CreateRequest{ProjectID: "p", Prompt: "x"})
	if err != nil {
		t.Fatal(err)
	}
	capturer.Capture(context.Background(), r.ID, sb)

	if _, err := objects.Get(context.Background(), artifact.WorkspaceKey(r.ID)); err == nil {
		t.Fatal("oversized snapshot should not be stored")
	}
	found := false
	for _, ev := range journal.forRun(r.ID) {
		var p struct {
			Status string `json:"status"`
		}
		_ = json.Unmarshal(ev.Payload, &p)
		if p.Status == event.StatusSnapshotStoreFailed {
			found = true
		}
	}
	if !found {
		t.Fatal("missing workspace_snapshot_store_failed event")
	}
}

func TestDuplicateDeliveryAbsorbed(t *testing.T) {
	agent := okAgent("once", nil, 10)
	h := newHarness(t, agent, nil, nil)

	r := h.createRun(t, run.CreateRequest{ProjectID: "p1", Prompt: "dup", MaxAttempts: 3})

	if err := h.sup.Process(context.Background(), r.ID); err != nil {
		t.Fatalf("first Process: %v", err)
	}
	// Second delivery of the same RunRequested: terminal run, CAS absorbed.
	if err := h.sup.Process(context.Background(), r.ID); err != nil {
		t.Fatalf("second Process: %v", err)
	}

	doneEvents := 0
	for _, ev := range h.journal.forRun(r.ID) {
		if ev.Type == event.TypeDone {
			doneEvents++
		}
	}
	if doneEvents != 1 {
		t.Fatalf("done events = %d, want exactly 1", doneEvents)
	}
	if h.agent.attempts != 1 {
		t.Fatalf("agent ran %d times, want 1", h.agent.attempts)
	}
}

func TestTerminalStatusIsSticky(t *testing.T) {
	agent := okAgent("final", nil, 10)
	h := newHarness(t, agent, nil, nil)
	r := h.createRun(t, run.CreateRequest{ProjectID: "p1", Prompt: "stick"})
	if err := h.sup.Process(context.Background(), r.ID); err != nil {
		t.Fatal(err)
	}

	for _, next := range []run.Status{run.StatusQueued, run.StatusRunning, run.StatusError} {
		if err := h.store.UpdateRunStatus(context.Background(), r.ID, next); !errors.Is(err, domain.ErrInvalidTransition) {
			t.Errorf("completed -> %s accepted, want ErrInvalidTransition (got %v)", next, err)
		}
	}
}

func TestCancelledBeforeDeliveryExitsWithoutClaim(t *testing.T) {
	agent := okAgent("never", nil, 10)
	h := newHarness(t, agent, nil, nil)
	r := h.createRun(t, run.CreateRequest{ProjectID: "p1", Prompt: "cancel first"})

	if _, err := h.store.CancelRun(context.Background(), r.ID); err != nil {
		t.Fatal(err)
	}
	if err := h.sup.Process(context.Background(), r.ID); err != nil {
		t.Fatal(err)
	}
	if h.agent.attempts != 0 {
		t.Fatalf("agent ran %d times for a cancelled run", h.agent.attempts)
	}
	j, _ := h.store.GetJob(context.Background(), r.ID)
	if j.Status != job.StatusCancelled {
		t.Fatalf("job status = %s, want cancelled", j.Status)
	}
}

func TestClaimHasExactlyOneWinner(t *testing.T) {
	journal := &mockJournal{}
	store := newMockStore(journal)
	r, _, err := store.CreateRun(context.Background(), run.CreateRequest{ProjectID: "p", Prompt: "race"})
	if err != nil {
		t.Fatal(err)
	}

	const workers = 16
	var wg sync.WaitGroup
	wins := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := store.ClaimRunForExecution(context.Background(), r.ID)
			if err != nil {
				t.Error(err)
				return
			}
			wins <- claimed
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for claimed := range wins {
		if claimed {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("claim winners = %d, want exactly 1", winners)
	}
}
