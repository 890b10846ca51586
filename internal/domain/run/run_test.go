package run

import "testing"

func TestIsTerminal(t *testing.T) {
	terminal := map[Status]bool{
		StatusQueued:    false,
		StatusRunning:   false,
		StatusCompleted: true,
		StatusError:     true,
		StatusCancelled: true,
	}
	for status, want := range terminal {
		if got := status.IsTerminal(); got != want {
			t.Errorf("%s.IsTerminal() = %v, want %v", status, got, want)
		}
	}
}

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusQueued, StatusRunning},
		{StatusQueued, StatusCancelled},
		{StatusRunning, StatusCompleted},
		{StatusRunning, StatusError},
		{StatusRunning, StatusCancelled},
		{StatusRunning, StatusQueued}, // retry
		{StatusCancelled, StatusCancelled},
	}
	for _, tt := range allowed {
		if !CanTransition(tt.from, tt.to) {
			t.Errorf("CanTransition(%s, %s) = false, want true", tt.from, tt.to)
		}
	}

	// Terminal statuses are sticky apart from idempotent cancellation.
	denied := []struct{ from, to Status }{
		{StatusCompleted, StatusRunning},
		{StatusCompleted, StatusQueued},
		{StatusCompleted, StatusCancelled},
		{StatusError, StatusRunning},
		{StatusError, StatusQueued},
		{StatusCancelled, StatusRunning},
		{StatusCancelled, StatusQueued},
		{StatusCancelled, StatusCompleted},
		{StatusQueued, StatusCompleted},
		{StatusQueued, StatusError},
	}
	for _, tt := range denied {
		if CanTransition(tt.from, tt.to) {
			t.Errorf("CanTransition(%s, %s) = true, want false", tt.from, tt.to)
		}
	}
}

func TestValidateCreate(t *testing.T) {
	valid := CreateRequest{ProjectID: "p", Prompt: "do it", Backend: BackendE2B}
	if err := ValidateCreate(&valid); err != nil {
		t.Errorf("valid request rejected: %v", err)
	}

	bad := []CreateRequest{
		{Prompt: "no project"},
		{ProjectID: "p"},
		{ProjectID: "p", Prompt: "x", Backend: "docker"},
		{ProjectID: "p", Prompt: "x", MaxAttempts: -1},
	}
	for i, req := range bad {
		if err := ValidateCreate(&req); err == nil {
			t.Errorf("bad request %d accepted", i)
		}
	}
}
