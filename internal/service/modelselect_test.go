package service

import (
	"errors"
	"testing"

	"github.com/relaydev/agentrun/internal/domain"
)

func TestModelSelectorResolve(t *testing.T) {
	tests := []struct {
		name         string
		selector     ModelSelector
		reqProvider  string
		reqModel     string
		wantProvider string
		wantModel    string
		wantSource   string
		wantErr      bool
	}{
		{
			name:         "request wins",
			selector:     ModelSelector{EnvProvider: "openai", EnvModel: "gpt-4.1"},
			reqProvider:  "anthropic",
			reqModel:     "claude-sonnet-4-5",
			wantProvider: "anthropic",
			wantModel:    "claude-sonnet-4-5",
			wantSource:   "request",
		},
		{
			name:         "request model with env provider",
			selector:     ModelSelector{EnvProvider: "openai"},
			reqModel:     "gpt-4.1-mini",
			wantProvider: "openai",
			wantModel:    "gpt-4.1-mini",
			wantSource:   "request",
		},
		{
			name:         "env fallback",
			selector:     ModelSelector{EnvProvider: "openai", EnvModel: "gpt-4.1"},
			wantProvider: "openai",
			wantModel:    "gpt-4.1",
			wantSource:   "env",
		},
		{
			name:         "builtin default",
			selector:     ModelSelector{EnvProvider: "anthropic"},
			wantProvider: "anthropic",
			wantModel:    "claude-sonnet-4-5",
			wantSource:   "default",
		},
		{
			name:     "nothing configured",
			selector: ModelSelector{},
			wantErr:  true,
		},
		{
			name:     "model without any provider",
			selector: ModelSelector{},
			reqModel: "some-model",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.selector.Resolve(tt.reqProvider, tt.reqModel)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if !errors.Is(err, domain.ErrValidation) {
					t.Errorf("error = %v, want ErrValidation", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if got.Provider != tt.wantProvider || got.Model != tt.wantModel || got.Source != tt.wantSource {
				t.Errorf("got %+v, want {%s %s %s}", got, tt.wantProvider, tt.wantModel, tt.wantSource)
			}
		})
	}
}
