package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/relaydev/agentrun/internal/domain"
	"github.com/relaydev/agentrun/internal/domain/artifact"
	"github.com/relaydev/agentrun/internal/domain/event"
	"github.com/relaydev/agentrun/internal/domain/job"
	"github.com/relaydev/agentrun/internal/domain/message"
	"github.com/relaydev/agentrun/internal/domain/pricing"
	"github.com/relaydev/agentrun/internal/domain/run"
	"github.com/relaydev/agentrun/internal/port/agentcore"
	"github.com/relaydev/agentrun/internal/port/hostcommit"
	"github.com/relaydev/agentrun/internal/port/messagequeue"
	"github.com/relaydev/agentrun/internal/port/sandbox"
)

// mockJournal is an in-memory event journal with the same ordering
// semantics as the Postgres one: global ids, dense per-run seq.
type mockJournal struct {
	mu     sync.Mutex
	nextID int64
	events []event.Event
}

func (m *mockJournal) Append(_ context.Context, runID string, typ event.Type, payload json.RawMessage) (*event.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	seq := 0
	for i := range m.events {
		if m.events[i].RunID == runID && m.events[i].Seq > seq {
			seq = m.events[i].Seq
		}
	}
	ev := event.Event{
		ID:      m.nextID,
		RunID:   runID,
		Seq:     seq + 1,
		Type:    typ,
		Payload: append(json.RawMessage(nil), payload...),
		TS:      time.Now(),
	}
	m.events = append(m.events, ev)
	return &ev, nil
}

func (m *mockJournal) ListAfter(_ context.Context, runID string, afterID int64, limit int) ([]event.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []event.Event
	for _, ev := range m.events {
		if ev.RunID == runID && ev.ID > afterID {
			out = append(out, ev)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *mockJournal) List(_ context.Context, runID string, limit, offset int) ([]event.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []event.Event
	for _, ev := range m.events {
		if ev.RunID == runID {
			all = append(all, ev)
		}
	}
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// forRun returns the run's events in id order.
func (m *mockJournal) forRun(runID string) []event.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []event.Event
	for _, ev := range m.events {
		if ev.RunID == runID {
			out = append(out, ev)
		}
	}
	return out
}

// mockStore is an in-memory database.Store mirroring the Postgres
// semantics the supervisor depends on: CAS claim, sticky terminal status,
// transition checks.
type mockStore struct {
	mu       sync.Mutex
	runs     map[string]*run.Run
	jobs     map[string]*job.Job
	arts     map[string][]artifact.Artifact
	msgs     []message.Message
	pricing  map[string]*pricing.ModelPricing
	journal  *mockJournal
	runIndex int
}

func newMockStore(journal *mockJournal) *mockStore {
	return &mockStore{
		runs:    make(map[string]*run.Run),
		jobs:    make(map[string]*job.Job),
		arts:    make(map[string][]artifact.Artifact),
		pricing: make(map[string]*pricing.ModelPricing),
		journal: journal,
	}
}

func (m *mockStore) CreateRun(ctx context.Context, req run.CreateRequest) (*run.Run, bool, error) {
	m.mu.Lock()
	if req.IdempotencyKey != "" {
		for _, r := range m.runs {
			if r.ProjectID == req.ProjectID && r.IdempotencyKey == req.IdempotencyKey {
				cp := *r
				m.mu.Unlock()
				return &cp, false, nil
			}
		}
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	m.runIndex++
	now := time.Now()
	r := &run.Run{
		ID:             fmt.Sprintf("run-%d", m.runIndex),
		ProjectID:      req.ProjectID,
		RunIndex:       m.runIndex,
		IdempotencyKey: req.IdempotencyKey,
		Prompt:         req.Prompt,
		Input:          req.Input,
		Provider:       req.Provider,
		Model:          req.Model,
		Backend:        req.Backend,
		Status:         run.StatusQueued,
		MaxAttempts:    maxAttempts,
		CostCurrency:   "USD",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.runs[r.ID] = r
	m.jobs[r.ID] = &job.Job{
		RunID:       r.ID,
		Status:      job.StatusQueued,
		MaxAttempts: maxAttempts,
		NextRunAt:   now,
		UpdatedAt:   now,
	}
	m.msgs = append(m.msgs, message.Message{
		ProjectID: r.ProjectID, RunID: r.ID, Role: message.RoleUser, Content: r.Prompt, CreatedAt: now,
	})
	cp := *r
	m.mu.Unlock()

	_, _ = m.journal.Append(ctx, r.ID, event.TypeStatus, event.StatusPayload(event.StatusQueued, nil))
	return &cp, true, nil
}

func (m *mockStore) GetRun(_ context.Context, id string) (*run.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("get run %s: %w", id, domain.ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (m *mockStore) GetRunInProject(ctx context.Context, projectID, id string) (*run.Run, error) {
	r, err := m.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.ProjectID != projectID {
		return nil, fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
	}
	return r, nil
}

func (m *mockStore) GetLatestWritableRun(_ context.Context, projectID string) (*run.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *run.Run
	for _, r := range m.runs {
		if r.ProjectID != projectID || r.Status == run.StatusError || r.Status == run.StatusCancelled {
			continue
		}
		if latest == nil || r.CreatedAt.After(latest.CreatedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("latest writable run: %w", domain.ErrNotFound)
	}
	cp := *latest
	return &cp, nil
}

func (m *mockStore) SetRunExecutionAttempt(_ context.Context, id string, attempt, maxAttempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return domain.ErrNotFound
	}
	r.Attempt = attempt
	r.MaxAttempts = maxAttempts
	return nil
}

func (m *mockStore) SetRunSandboxID(_ context.Context, id, sandboxID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return domain.ErrNotFound
	}
	r.SandboxID = sandboxID
	return nil
}

func (m *mockStore) SetRunWorkspaceBackend(_ context.Context, id string, backend run.WorkspaceBackend) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return domain.ErrNotFound
	}
	r.Backend = backend
	return nil
}

func (m *mockStore) UpdateRunStatus(_ context.Context, id string, status run.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if !run.CanTransition(r.Status, status) {
		return fmt.Errorf("%s -> %s: %w", r.Status, status, domain.ErrInvalidTransition)
	}
	r.Status = status
	if status == run.StatusRunning && r.StartedAt == nil {
		now := time.Now()
		r.StartedAt = &now
	}
	return nil
}

func (m *mockStore) CompleteRun(_ context.Context, id, output string, meta run.CompleteMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if r.Status != run.StatusRunning {
		return fmt.Errorf("complete run %s: status is %s: %w", id, r.Status, domain.ErrInvalidTransition)
	}
	now := time.Now()
	r.Status = run.StatusCompleted
	r.Output = output
	r.Provider = meta.Provider
	r.Model = meta.Model
	r.Usage = meta.Usage
	r.DurationMS = meta.DurationMS
	r.EstimatedCostUSD = meta.EstimatedCostUSD
	r.PricingVersion = meta.PricingVersion
	r.CompletedAt = &now
	return nil
}

func (m *mockStore) FailRun(_ context.Context, id, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if r.Status != run.StatusRunning {
		return fmt.Errorf("fail run %s: status is %s: %w", id, r.Status, domain.ErrInvalidTransition)
	}
	now := time.Now()
	r.Status = run.StatusError
	r.Error = errMsg
	r.CompletedAt = &now
	return nil
}

func (m *mockStore) CancelRun(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return false, fmt.Errorf("cancel run %s: %w", id, domain.ErrNotFound)
	}
	switch r.Status {
	case run.StatusQueued, run.StatusRunning:
		r.Status = run.StatusCancelled
		if j := m.jobs[id]; j != nil && !j.Status.IsTerminal() {
			j.Status = job.StatusCancelled
		}
		return true, nil
	case run.StatusCancelled:
		return false, nil
	default:
		return false, fmt.Errorf("cancel run %s: %w", id, domain.ErrInvalidTransition)
	}
}

func (m *mockStore) QueueRunForRetry(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if r.Status != run.StatusRunning {
		return fmt.Errorf("requeue run %s: status is %s: %w", id, r.Status, domain.ErrInvalidTransition)
	}
	r.Status = run.StatusQueued
	return nil
}

func (m *mockStore) ClaimRunForExecution(_ context.Context, runID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[runID]
	if !ok {
		return false, nil
	}
	r := m.runs[runID]
	if j.Status != job.StatusQueued || r == nil || r.Status.IsTerminal() {
		return false, nil
	}
	j.Status = job.StatusRunning
	j.UpdatedAt = time.Now()
	return true, nil
}

func (m *mockStore) GetJob(_ context.Context, runID string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[runID]
	if !ok {
		return nil, fmt.Errorf("get job %s: %w", runID, domain.ErrNotFound)
	}
	cp := *j
	return &cp, nil
}

func (m *mockStore) MarkJobSucceeded(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[runID]
	if !ok {
		return domain.ErrNotFound
	}
	j.Status = job.StatusSucceeded
	j.UpdatedAt = time.Now()
	return nil
}

func (m *mockStore) MarkJobCancelled(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[runID]
	if !ok {
		return domain.ErrNotFound
	}
	if !j.Status.IsTerminal() {
		j.Status = job.StatusCancelled
		j.UpdatedAt = time.Now()
	}
	return nil
}

func (m *mockStore) MarkJobFailed(_ context.Context, runID string, attempts int, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[runID]
	if !ok {
		return domain.ErrNotFound
	}
	j.Attempts = attempts
	if attempts < j.MaxAttempts {
		j.Status = job.StatusQueued
		j.NextRunAt = time.Now().Add(delay)
	} else {
		j.Status = job.StatusFailed
	}
	j.UpdatedAt = time.Now()
	return nil
}

func (m *mockStore) RequeueStaleRunningJobs(_ context.Context, staleFor time.Duration) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-staleFor)
	var ids []string
	for id, j := range m.jobs {
		if j.Status == job.StatusRunning && j.UpdatedAt.Before(cutoff) {
			j.Status = job.StatusQueued
			j.UpdatedAt = time.Now()
			if r := m.runs[id]; r != nil && r.Status == run.StatusRunning {
				r.Status = run.StatusQueued
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *mockStore) ListRunnableQueuedJobRunIDs(_ context.Context, limit int, minAge time.Duration) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var ids []string
	for id, j := range m.jobs {
		if j.Status != job.StatusQueued || j.NextRunAt.After(now) {
			continue
		}
		if now.Sub(j.UpdatedAt) < minAge {
			continue
		}
		ids = append(ids, id)
		if limit > 0 && len(ids) >= limit {
			break
		}
	}
	return ids, nil
}

func (m *mockStore) CreateArtifact(_ context.Context, a *artifact.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = fmt.Sprintf("art-%d", len(m.arts)+1)
	a.CreatedAt = time.Now()
	m.arts[a.RunID] = append(m.arts[a.RunID], *a)
	return nil
}

func (m *mockStore) ListArtifacts(_ context.Context, runID string) ([]artifact.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]artifact.Artifact(nil), m.arts[runID]...), nil
}

func (m *mockStore) AppendMessage(_ context.Context, msg *message.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg.ID = fmt.Sprintf("msg-%d", len(m.msgs)+1)
	msg.CreatedAt = time.Now()
	m.msgs = append(m.msgs, *msg)
	return nil
}

func (m *mockStore) ListMessages(_ context.Context, projectID, runID string) ([]message.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []message.Message
	for _, msg := range m.msgs {
		if msg.ProjectID == projectID && msg.RunID == runID {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *mockStore) GetModelPricing(_ context.Context, provider, model string) (*pricing.ModelPricing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pricing[provider+"/"+model]
	if !ok {
		return nil, fmt.Errorf("pricing: %w", domain.ErrNotFound)
	}
	return p, nil
}

// mockQueue records publishes and lets tests deliver manually.
type mockQueue struct {
	mu        sync.Mutex
	published [][]byte
	subjects  []string
}

func (q *mockQueue) Publish(_ context.Context, subject string, data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.subjects = append(q.subjects, subject)
	q.published = append(q.published, append([]byte(nil), data...))
	return nil
}

func (q *mockQueue) Subscribe(context.Context, string, messagequeue.Handler) (func(), error) {
	return func() {}, nil
}

func (q *mockQueue) Drain() error      { return nil }
func (q *mockQueue) Close() error      { return nil }
func (q *mockQueue) IsConnected() bool { return true }

func (q *mockQueue) publishCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.published)
}

// scriptedAgent runs a per-attempt script, emitting events through OnEvent.
type scriptedAgent struct {
	mu       sync.Mutex
	attempts int
	script   func(attempt int, ctx context.Context, req agentcore.Request) (*agentcore.Result, error)
}

func (a *scriptedAgent) Run(ctx context.Context, req agentcore.Request) (*agentcore.Result, error) {
	a.mu.Lock()
	a.attempts++
	n := a.attempts
	a.mu.Unlock()
	return a.script(n, ctx, req)
}

// mockSandbox is an in-memory sandbox with a flat directory tree.
type mockSandbox struct {
	mu     sync.Mutex
	id     string
	files  map[string][]byte // absolute path -> content
	dirs   map[string][]string
	closed bool
}

func newMockSandbox(id, root string, files map[string][]byte) *mockSandbox {
	sb := &mockSandbox{id: id, files: map[string][]byte{}, dirs: map[string][]string{}}
	for rel, data := range files {
		sb.files[root+"/"+rel] = data
	}
	return sb
}

func (s *mockSandbox) ID() string { return s.id }

func (s *mockSandbox) ListFiles(_ context.Context, dir string) ([]sandbox.FileInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]bool{}
	var out []sandbox.FileInfo
	prefix := dir + "/"
	for path, data := range s.files {
		if len(path) <= len(prefix) || path[:len(prefix)] != prefix {
			continue
		}
		rest := path[len(prefix):]
		if i := indexByte(rest, '/'); i >= 0 {
			name := rest[:i]
			if !seen[name] {
				seen[name] = true
				out = append(out, sandbox.FileInfo{Path: prefix + name, Name: name, IsDir: true})
			}
			continue
		}
		out = append(out, sandbox.FileInfo{Path: path, Name: rest, Size: int64(len(data))})
	}
	return out, nil
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func (s *mockSandbox) ReadFile(_ context.Context, path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[path]
	if !ok {
		return nil, fmt.Errorf("read %s: %w", path, domain.ErrNotFound)
	}
	return data, nil
}

func (s *mockSandbox) RunCommand(context.Context, string, sandbox.CommandOptions) (*sandbox.CommandResult, error) {
	return &sandbox.CommandResult{}, nil
}

func (s *mockSandbox) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *mockSandbox) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// mockProvider hands out a fixed sandbox.
type mockProvider struct {
	sb *mockSandbox
}

func (p *mockProvider) Create(context.Context, string, sandbox.CreateOptions) (sandbox.Sandbox, error) {
	return p.sb, nil
}

func (p *mockProvider) Connect(context.Context, string) (sandbox.Sandbox, error) {
	return p.sb, nil
}

// mockObjects is an in-memory object store.
type mockObjects struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMockObjects() *mockObjects {
	return &mockObjects{data: make(map[string][]byte)}
}

func (o *mockObjects) Put(_ context.Context, key string, data []byte, _ string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.data[key] = append([]byte(nil), data...)
	return nil
}

func (o *mockObjects) Get(_ context.Context, key string) ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	data, ok := o.data[key]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", key, domain.ErrNotFound)
	}
	return data, nil
}

// mockCommitter returns a fixed result.
type mockCommitter struct {
	result hostcommit.Result
	calls  int
	mu     sync.Mutex
}

func (c *mockCommitter) Commit(context.Context, string) hostcommit.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.result
}
