package llm

import (
	"errors"
	"testing"
)

func TestNewProvider(t *testing.T) {
	tests := []struct {
		name     string
		settings Settings
		wantName string
		wantErr  error
	}{
		{name: "openai", settings: Settings{Provider: "openai", Credential: "k", Model: "gpt-4o-mini"}, wantName: "OpenAI (gpt-4o-mini)"},
		{name: "anthropic", settings: Settings{Provider: "anthropic", Credential: "k", Model: "claude-sonnet-4-5"}, wantName: "Anthropic (claude-sonnet-4-5)"},
		{name: "gemini", settings: Settings{Provider: "gemini", Credential: "k", Model: "gemini-2.5-flash"}, wantName: "Gemini (gemini-2.5-flash)"},
		{name: "openrouter", settings: Settings{Provider: "openrouter", Credential: "k", Model: "x-ai/grok-code-fast-1"}, wantName: "OpenRouter (x-ai/grok-code-fast-1)"},
		{name: "zen", settings: Settings{Provider: "zen", Credential: "k", Model: "glm-4.7"}, wantName: "OpenCode Zen (glm-4.7)"},
		{name: "compat", settings: Settings{Provider: "cerebras", Type: TypeOpenAICompat, Endpoint: "api.cerebras.ai", Credential: "k", Model: "llama"}, wantName: "cerebras (llama)"},
		{name: "debug without credential", settings: Settings{Provider: "debug", Model: "fast"}, wantName: "debug:fast"},
		{name: "empty credential", settings: Settings{Provider: "openai", Model: "gpt-4o-mini"}, wantErr: ErrNoCredential},
		{name: "blank credential", settings: Settings{Provider: "anthropic", Credential: "   "}, wantErr: ErrNoCredential},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, err := NewProvider(tc.settings)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("NewProvider error = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewProvider error = %v", err)
			}
			if got := p.Name(); got != tc.wantName {
				t.Fatalf("Name() = %q, want %q", got, tc.wantName)
			}
		})
	}
}

func TestNewProviderRejectsUnknownType(t *testing.T) {
	if _, err := NewProvider(Settings{Provider: "x", Type: "carrier-pigeon", Credential: "k"}); err == nil {
		t.Fatal("expected error for unknown type")
	}
	if _, err := NewProvider(Settings{Provider: "x", Type: TypeOpenAICompat, Credential: "k"}); err == nil {
		t.Fatal("expected error for compat provider without endpoint")
	}
}

func TestNewProviderEndpointOverride(t *testing.T) {
	p, err := NewProvider(Settings{Provider: "openai", Credential: "k", Endpoint: "proxy.example.com"})
	if err != nil {
		t.Fatalf("NewProvider error = %v", err)
	}
	op, ok := p.(*OpenAIProvider)
	if !ok {
		t.Fatalf("provider type = %T, want *OpenAIProvider", p)
	}
	if got := op.BaseURL(); got != "https://proxy.example.com/v1" {
		t.Fatalf("BaseURL() = %q", got)
	}
}
