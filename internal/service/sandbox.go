package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaydev/agentrun/internal/domain/event"
	"github.com/relaydev/agentrun/internal/domain/run"
	"github.com/relaydev/agentrun/internal/port/database"
	"github.com/relaydev/agentrun/internal/port/eventstore"
	"github.com/relaydev/agentrun/internal/port/sandbox"
)

// SandboxSupervisor owns the sandbox lifetime for one attempt: create,
// persist the id, reconcile ids reported by the agent, and tear down.
type SandboxSupervisor struct {
	provider sandbox.Provider
	store    database.Store
	journal  eventstore.Store

	template   string
	timeout    time.Duration
	timeoutCap time.Duration
}

// NewSandboxSupervisor creates a supervisor over the given provider.
func NewSandboxSupervisor(provider sandbox.Provider, store database.Store, journal eventstore.Store, template string, timeout, timeoutCap time.Duration) *SandboxSupervisor {
	return &SandboxSupervisor{
		provider:   provider,
		store:      store,
		journal:    journal,
		template:   template,
		timeout:    timeout,
		timeoutCap: timeoutCap,
	}
}

// Configured reports whether a sandbox provider is wired in.
func (s *SandboxSupervisor) Configured() bool {
	return s != nil && s.provider != nil
}

// Start provisions a sandbox for the attempt, journals sandbox_created, and
// persists the id on the run.
func (s *SandboxSupervisor) Start(ctx context.Context, r *run.Run) (sandbox.Sandbox, error) {
	timeout := s.timeout
	if s.timeoutCap > 0 && timeout > s.timeoutCap {
		timeout = s.timeoutCap
	}

	sb, err := s.provider.Create(ctx, s.template, sandbox.CreateOptions{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("sandbox create: %w", err)
	}

	if _, err := s.journal.Append(ctx, r.ID, event.TypeStatus, event.StatusPayload(event.StatusSandboxCreated, map[string]any{
		"sandboxId": sb.ID(),
		"template":  s.template,
		"timeoutMs": timeout.Milliseconds(),
	})); err != nil {
		slog.Error("journal sandbox_created failed", "run_id", r.ID, "error", err)
	}

	if err := s.store.SetRunSandboxID(ctx, r.ID, sb.ID()); err != nil {
		slog.Error("persist sandbox id failed", "run_id", r.ID, "sandbox_id", sb.ID(), "error", err)
	}
	return sb, nil
}

// Reconcile updates the persisted sandbox id when the agent reports a
// different one in a status event.
func (s *SandboxSupervisor) Reconcile(ctx context.Context, runID, sandboxID string) {
	r, err := s.store.GetRun(ctx, runID)
	if err != nil || r.SandboxID == sandboxID {
		return
	}
	slog.Info("reconciling sandbox id", "run_id", runID, "old", r.SandboxID, "new", sandboxID)
	if err := s.store.SetRunSandboxID(ctx, runID, sandboxID); err != nil {
		slog.Error("reconcile sandbox id failed", "run_id", runID, "error", err)
	}
}

// Close tears the sandbox down and clears the persisted id. It runs on a
// cancellation-immune context so a cancelled attempt still releases the
// sandbox.
func (s *SandboxSupervisor) Close(ctx context.Context, runID string, sb sandbox.Sandbox) {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if err := sb.Close(closeCtx); err != nil {
		slog.Error("sandbox close failed", "run_id", runID, "sandbox_id", sb.ID(), "error", err)
	}
	if err := s.store.SetRunSandboxID(closeCtx, runID, ""); err != nil {
		slog.Error("clear sandbox id failed", "run_id", runID, "error", err)
	}
}
