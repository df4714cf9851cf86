package llm

import "strings"

// Hosted gateways that speak the OpenAI wire protocol. An endpoint override
// in Settings replaces the default base URL.
const (
	openRouterBaseURL = "https://openrouter.ai/api/v1"
	zenBaseURL        = "https://opencode.ai/zen/v1"
)

// DefaultAppURL and DefaultAppTitle identify this client to gateways that
// attribute traffic per app.
const (
	DefaultAppURL   = "https://github.com/assischat/assischat"
	DefaultAppTitle = "assischat"
)

// NewOpenRouterProvider sends OpenRouter's attribution headers. Empty app
// fields fall back to the defaults above.
func NewOpenRouterProvider(s Settings) *OpenAICompatProvider {
	appURL := firstNonEmpty(s.AppURL, DefaultAppURL)
	appTitle := firstNonEmpty(s.AppTitle, DefaultAppTitle)
	headers := map[string]string{
		"HTTP-Referer": appURL,
		"X-Title":      appTitle,
	}
	return NewOpenAICompatProviderWithHeaders(gatewayURL(s.Endpoint, openRouterBaseURL), s.Credential, s.Model, "OpenRouter", headers)
}

func NewZenProvider(s Settings) *OpenAICompatProvider {
	return NewOpenAICompatProvider(gatewayURL(s.Endpoint, zenBaseURL), s.Credential, s.Model, "OpenCode Zen")
}

func gatewayURL(endpoint, fallback string) string {
	if strings.TrimSpace(endpoint) == "" {
		return fallback
	}
	return NormalizeEndpoint(endpoint)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
