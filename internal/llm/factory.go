package llm

import (
	"fmt"
	"strings"
)

// Provider type identifiers accepted by NewProvider.
const (
	TypeOpenAI       = "openai"
	TypeOpenAICompat = "openai_compat"
	TypeOpenRouter   = "openrouter"
	TypeZen          = "zen"
	TypeAnthropic    = "anthropic"
	TypeGemini       = "gemini"
	TypeDebug        = "debug"
)

// Settings is an immutable snapshot of everything needed to construct a
// provider. A configuration change means building a new Provider from a new
// Settings value.
type Settings struct {
	Provider   string // configured name, e.g. "openai" or "work-proxy"
	Type       string
	Endpoint   string // optional override
	Credential string
	Model      string
	// AppURL and AppTitle are sent as attribution by gateways that use them.
	AppURL   string
	AppTitle string
}

// NewProvider builds the provider described by s. It returns ErrNoCredential
// when a credential is required but empty.
func NewProvider(s Settings) (Provider, error) {
	typ := strings.TrimSpace(s.Type)
	if typ == "" {
		typ = s.Provider
	}
	if typ == TypeDebug {
		return NewDebugProvider(s.Model), nil
	}
	if strings.TrimSpace(s.Credential) == "" {
		return nil, fmt.Errorf("provider %s: %w", s.Provider, ErrNoCredential)
	}

	switch typ {
	case TypeOpenAI:
		return NewOpenAIProvider(s.Endpoint, s.Credential, s.Model), nil
	case TypeOpenRouter:
		return NewOpenRouterProvider(s), nil
	case TypeZen:
		return NewZenProvider(s), nil
	case TypeAnthropic:
		return NewAnthropicProvider(s.Endpoint, s.Credential, s.Model), nil
	case TypeGemini:
		return NewGeminiProvider(s.Endpoint, s.Credential, s.Model), nil
	case TypeOpenAICompat:
		if strings.TrimSpace(s.Endpoint) == "" {
			return nil, fmt.Errorf("provider %s: endpoint is required for %s", s.Provider, TypeOpenAICompat)
		}
		name := s.Provider
		if name == "" {
			name = "OpenAI-compatible"
		}
		return NewOpenAICompatProvider(NormalizeEndpoint(s.Endpoint), s.Credential, s.Model, name), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", typ)
	}
}
