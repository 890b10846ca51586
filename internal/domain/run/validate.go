package run

import (
	"fmt"

	"github.com/relaydev/agentrun/internal/domain"
)

// ValidateCreate checks a CreateRequest before it reaches the store.
func ValidateCreate(req *CreateRequest) error {
	if req.ProjectID == "" {
		return fmt.Errorf("%w: project_id is required", domain.ErrValidation)
	}
	if req.Prompt == "" {
		return fmt.Errorf("%w: prompt is required", domain.ErrValidation)
	}
	if req.MaxAttempts < 0 {
		return fmt.Errorf("%w: max_attempts must not be negative", domain.ErrValidation)
	}
	switch req.Backend {
	case "", BackendHost, BackendE2B:
	default:
		return fmt.Errorf("%w: unknown workspace_backend %q", domain.ErrValidation, req.Backend)
	}
	return nil
}
