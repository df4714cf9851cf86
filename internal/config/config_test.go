package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestApplyOverrides(t *testing.T) {
	cfg := &Config{
		DefaultProvider: "anthropic",
		Providers: map[string]ProviderConfig{
			"anthropic": {
				Model: "claude-sonnet-4-5",
			},
			"openai": {
				Model: "gpt-4o-mini",
			},
			"gemini": {
				Model: "gemini-2.5-flash",
			},
		},
	}

	cfg.ApplyOverrides("openai", "gpt-4o")
	if cfg.DefaultProvider != "openai" {
		t.Fatalf("provider=%q, want %q", cfg.DefaultProvider, "openai")
	}
	if cfg.Providers["openai"].Model != "gpt-4o" {
		t.Fatalf("openai model=%q, want %q", cfg.Providers["openai"].Model, "gpt-4o")
	}
	if cfg.Providers["anthropic"].Model != "claude-sonnet-4-5" {
		t.Fatalf("anthropic model changed unexpectedly: %q", cfg.Providers["anthropic"].Model)
	}

	cfg.ApplyOverrides("", "gpt-4.1")
	if cfg.DefaultProvider != "openai" {
		t.Fatalf("provider changed unexpectedly: %q", cfg.DefaultProvider)
	}
	if cfg.Providers["openai"].Model != "gpt-4.1" {
		t.Fatalf("openai model=%q, want %q", cfg.Providers["openai"].Model, "gpt-4.1")
	}
}

func TestInferProviderType(t *testing.T) {
	tests := []struct {
		name     string
		explicit ProviderType
		want     ProviderType
	}{
		{"anthropic", "", ProviderTypeAnthropic},
		{"openai", "", ProviderTypeOpenAI},
		{"gemini", "", ProviderTypeGemini},
		{"openrouter", "", ProviderTypeOpenRouter},
		{"zen", "", ProviderTypeZen},
		{"debug", "", ProviderTypeDebug},
		{"cerebras", "", ProviderTypeOpenAICompat},
		{"groq", "", ProviderTypeOpenAICompat},
		{"custom", ProviderTypeOpenAICompat, ProviderTypeOpenAICompat},
		{"anthropic", ProviderTypeOpenAICompat, ProviderTypeOpenAICompat}, // explicit overrides
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := InferProviderType(tc.name, tc.explicit)
			if got != tc.want {
				t.Errorf("InferProviderType(%q, %q) = %q, want %q", tc.name, tc.explicit, got, tc.want)
			}
		})
	}
}

func TestParseModelRef(t *testing.T) {
	tests := []struct {
		ref          string
		wantProvider string
		wantModel    string
	}{
		{"openai:gpt-4o", "openai", "gpt-4o"},
		{"gpt-4o", "anthropic", "gpt-4o"},
		{"", "anthropic", ""},
		{"ollama:llama3:8b", "ollama", "llama3:8b"},
		{"openrouter:x-ai/grok-code-fast-1", "openrouter", "x-ai/grok-code-fast-1"},
		{"  zen:  ", "zen", ""},
	}
	for _, tc := range tests {
		t.Run(tc.ref, func(t *testing.T) {
			p, m := ParseModelRef(tc.ref, "anthropic")
			if p != tc.wantProvider || m != tc.wantModel {
				t.Fatalf("ParseModelRef(%q) = (%q, %q), want (%q, %q)", tc.ref, p, m, tc.wantProvider, tc.wantModel)
			}
		})
	}
}

func TestSettings(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "env-openai")
	t.Setenv("WORK_KEY", "work-secret")
	t.Setenv("ANTHROPIC_API_KEY", "")

	cfg := &Config{
		DefaultProvider: "openai",
		Providers: map[string]ProviderConfig{
			"openai": {Model: "gpt-4o-mini"},
			"work":   {APIKey: "${WORK_KEY}", Endpoint: "llm.internal:8080", Model: "qwen"},
			"direct": {Type: ProviderTypeOpenAI, APIKey: "literal-key"},
		},
	}

	tests := []struct {
		ref      string
		provider string
		typ      string
		key      string
		endpoint string
		model    string
	}{
		{"", "openai", "openai", "env-openai", "", "gpt-4o-mini"},
		{"gpt-4.1", "openai", "openai", "env-openai", "", "gpt-4.1"},
		{"work:", "work", "openai_compat", "work-secret", "llm.internal:8080", "qwen"},
		{"work:qwen-large", "work", "openai_compat", "work-secret", "llm.internal:8080", "qwen-large"},
		{"direct:", "direct", "openai", "literal-key", "", "gpt-4o-mini"},
		{"anthropic:", "anthropic", "anthropic", "", "", "claude-sonnet-4-5"},
		{"debug:fast", "debug", "debug", "", "", "fast"},
	}
	for _, tc := range tests {
		t.Run(tc.ref, func(t *testing.T) {
			s, err := cfg.Settings(tc.ref)
			if err != nil {
				t.Fatalf("Settings(%q): %v", tc.ref, err)
			}
			if s.Provider != tc.provider || s.Type != tc.typ || s.Credential != tc.key || s.Endpoint != tc.endpoint || s.Model != tc.model {
				t.Fatalf("Settings(%q) = %+v", tc.ref, s)
			}
		})
	}
}

func TestSettingsNoProvider(t *testing.T) {
	cfg := &Config{}
	if _, err := cfg.Settings("gpt-4o"); err == nil {
		t.Fatal("expected error without a default provider")
	}
}

func TestModelRef(t *testing.T) {
	cfg := &Config{
		DefaultProvider: "openai",
		Providers:       map[string]ProviderConfig{"openai": {Model: "gpt-4.1"}},
	}
	if got := cfg.ModelRef("", ""); got != "openai:gpt-4.1" {
		t.Fatalf("ModelRef() = %q", got)
	}
	if got := cfg.ModelRef("gemini", ""); got != "gemini:gemini-2.5-flash" {
		t.Fatalf("ModelRef(gemini) = %q", got)
	}
	if got := cfg.ModelRef("anthropic", "claude-opus-4-1"); got != "anthropic:claude-opus-4-1" {
		t.Fatalf("ModelRef(anthropic, opus) = %q", got)
	}
}

func TestLoadDefaultsWhenMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DefaultProvider != "openai" || !cfg.Store.Enabled || cfg.Serve.Addr != "127.0.0.1:8787" || cfg.Log.Level != "info" {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.Providers == nil {
		t.Fatal("Providers map is nil")
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `default_provider: work
providers:
  work:
    type: openai_compat
    endpoint: http://localhost:11434
    model: llama3
store:
  enabled: false
serve:
  addr: 0.0.0.0:9000
`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ASSISCHAT_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DefaultProvider != "work" || cfg.Store.Enabled || cfg.Serve.Addr != "0.0.0.0:9000" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if pc := cfg.Providers["work"]; pc.Type != ProviderTypeOpenAICompat || pc.Model != "llama3" {
		t.Fatalf("work provider = %+v", pc)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("log level = %q, want env override", cfg.Log.Level)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg, _ := Load(path)
	cfg.SetCredential("openai", "sk-test", "")
	cfg.ApplyOverrides("openai", "gpt-4.1")

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Fatalf("config permissions = %o, want 600", perm)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if pc := got.Providers["openai"]; pc.APIKey != "sk-test" || pc.Model != "gpt-4.1" {
		t.Fatalf("reloaded provider = %+v", pc)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	cfg := &Config{Providers: map[string]ProviderConfig{"openai": {Model: "a"}}}
	c := cfg.Clone()
	c.ApplyOverrides("openai", "b")
	if cfg.Providers["openai"].Model != "a" {
		t.Fatal("Clone shares the providers map")
	}
}

func TestLiveUpdate(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	path := filepath.Join(t.TempDir(), "config.yaml")
	live, err := NewLive(path, nil)
	if err != nil {
		t.Fatalf("NewLive: %v", err)
	}

	before, err := live.Settings("openai:")
	if err != nil {
		t.Fatalf("Settings: %v", err)
	}

	var notified int
	live.OnChange(func(*Config) { notified++ })
	if err := live.Update(func(c *Config) { c.SetCredential("openai", "sk-new", "") }); err != nil {
		t.Fatalf("Update: %v", err)
	}

	after, _ := live.Settings("openai:")
	if after.Credential != "sk-new" {
		t.Fatalf("credential after update = %q", after.Credential)
	}
	if before.Credential == "sk-new" {
		t.Fatal("earlier snapshot changed")
	}
	if notified != 1 {
		t.Fatalf("listeners notified %d times, want 1", notified)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config not written: %v", err)
	}
}

func TestLiveSettingsCachesExternalValues(t *testing.T) {
	calls := 0
	stubCommands(t, func(name string, args ...string) ([]byte, error) {
		calls++
		return []byte("sk-from-command\n"), nil
	})

	path := filepath.Join(t.TempDir(), "config.yaml")
	live, err := NewLive(path, nil)
	if err != nil {
		t.Fatalf("NewLive: %v", err)
	}
	if err := live.Update(func(c *Config) { c.SetCredential("openai", "$(pass show openai)", "") }); err != nil {
		t.Fatalf("Update: %v", err)
	}

	for range 3 {
		s, err := live.Settings("openai:")
		if err != nil {
			t.Fatalf("Settings: %v", err)
		}
		if s.Credential != "sk-from-command" {
			t.Fatalf("credential = %q", s.Credential)
		}
	}
	if calls != 1 {
		t.Fatalf("command ran %d times, want 1", calls)
	}

	if err := live.Update(func(c *Config) { c.ApplyOverrides("openai", "gpt-4.1") }); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := live.Settings("openai:"); err != nil {
		t.Fatalf("Settings: %v", err)
	}
	if calls != 2 {
		t.Fatalf("command ran %d times after reload, want 2", calls)
	}
}
