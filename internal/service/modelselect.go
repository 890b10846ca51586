package service

import (
	"fmt"

	"github.com/relaydev/agentrun/internal/domain"
)

// ResolvedModel is the provider/model pair an attempt will use, together
// with where the choice came from.
type ResolvedModel struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Source   string `json:"source"` // "request", "env", or "default"
}

// builtinDefaults maps a provider to its fallback model when neither the
// request nor the environment names one.
var builtinDefaults = map[string]string{
	"openai":    "gpt-4.1",
	"anthropic": "claude-sonnet-4-5",
	"google":    "gemini-2.5-pro",
}

// ModelSelector resolves the effective provider/model for an attempt.
// Precedence: request override, then environment defaults, then the
// built-in per-provider default.
type ModelSelector struct {
	EnvProvider string
	EnvModel    string
}

// Resolve returns the effective model or an error when nothing is
// configured anywhere.
func (s *ModelSelector) Resolve(provider, model string) (*ResolvedModel, error) {
	effProvider := provider
	if effProvider == "" {
		effProvider = s.EnvProvider
	}

	switch {
	case model != "":
		if effProvider == "" {
			return nil, fmt.Errorf("%w: model %q requested without a provider and none configured", domain.ErrValidation, model)
		}
		return &ResolvedModel{Provider: effProvider, Model: model, Source: "request"}, nil

	case s.EnvModel != "":
		if effProvider == "" {
			return nil, fmt.Errorf("%w: AGENT_MODEL set without a provider and none configured", domain.ErrValidation)
		}
		return &ResolvedModel{Provider: effProvider, Model: s.EnvModel, Source: "env"}, nil

	default:
		if m, ok := builtinDefaults[effProvider]; ok {
			return &ResolvedModel{Provider: effProvider, Model: m, Source: "default"}, nil
		}
		return nil, fmt.Errorf("%w: no model configured for provider %q", domain.ErrValidation, effProvider)
	}
}
