package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/assischat/assischat/internal/llm"
	"github.com/assischat/assischat/internal/store"
)

// ProviderType selects the adapter implementation for a configured provider.
type ProviderType string

const (
	ProviderTypeOpenAI       ProviderType = llm.TypeOpenAI
	ProviderTypeOpenAICompat ProviderType = llm.TypeOpenAICompat
	ProviderTypeOpenRouter   ProviderType = llm.TypeOpenRouter
	ProviderTypeZen          ProviderType = llm.TypeZen
	ProviderTypeAnthropic    ProviderType = llm.TypeAnthropic
	ProviderTypeGemini       ProviderType = llm.TypeGemini
	ProviderTypeDebug        ProviderType = llm.TypeDebug
)

// builtinTypes are provider names whose type can be inferred.
var builtinTypes = map[string]ProviderType{
	"openai":     ProviderTypeOpenAI,
	"openrouter": ProviderTypeOpenRouter,
	"zen":        ProviderTypeZen,
	"anthropic":  ProviderTypeAnthropic,
	"gemini":     ProviderTypeGemini,
	"debug":      ProviderTypeDebug,
}

var defaultModels = map[ProviderType]string{
	ProviderTypeOpenAI:     "gpt-4o-mini",
	ProviderTypeOpenRouter: "x-ai/grok-code-fast-1",
	ProviderTypeZen:        "minimax-m2.1-free",
	ProviderTypeAnthropic:  "claude-sonnet-4-5",
	ProviderTypeGemini:     "gemini-2.5-flash",
	ProviderTypeDebug:      "normal",
}

// keyEnv is consulted when a provider's api_key is empty.
var keyEnv = map[ProviderType]string{
	ProviderTypeOpenAI:     "OPENAI_API_KEY",
	ProviderTypeOpenRouter: "OPENROUTER_API_KEY",
	ProviderTypeZen:        "ZEN_API_KEY",
	ProviderTypeAnthropic:  "ANTHROPIC_API_KEY",
	ProviderTypeGemini:     "GEMINI_API_KEY",
}

type Config struct {
	DefaultProvider string                    `mapstructure:"default_provider" yaml:"default_provider"`
	Providers       map[string]ProviderConfig `mapstructure:"providers" yaml:"providers,omitempty"`
	Store           store.Config              `mapstructure:"store" yaml:"store"`
	Serve           ServeConfig               `mapstructure:"serve" yaml:"serve"`
	Log             LogConfig                 `mapstructure:"log" yaml:"log"`
}

// ProviderConfig is one entry under providers. APIKey and Endpoint may use
// the schemes understood by ResolveValue.
type ProviderConfig struct {
	Type     ProviderType `mapstructure:"type" yaml:"type,omitempty"`
	APIKey   string       `mapstructure:"api_key" yaml:"api_key,omitempty"`
	Endpoint string       `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	Model    string       `mapstructure:"model" yaml:"model,omitempty"`
	// AppURL and AppTitle override the attribution sent to openrouter.
	AppURL   string       `mapstructure:"app_url" yaml:"app_url,omitempty"`
	AppTitle string       `mapstructure:"app_title" yaml:"app_title,omitempty"`
}

type ServeConfig struct {
	Addr      string  `mapstructure:"addr" yaml:"addr"`
	Token     string  `mapstructure:"token" yaml:"token,omitempty"`
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	Burst     int     `mapstructure:"burst" yaml:"burst"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("default_provider", "openai")
	v.SetDefault("store.enabled", true)
	v.SetDefault("store.path", "")
	v.SetDefault("serve.addr", "127.0.0.1:8787")
	v.SetDefault("serve.token", "")
	v.SetDefault("serve.rate_limit", 2.0)
	v.SetDefault("serve.burst", 4)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("ASSISCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load reads the config at path. A missing file yields the defaults. An
// empty path means GetConfigPath.
func Load(path string) (*Config, error) {
	if path == "" {
		p, err := GetConfigPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	v := newViper(path)
	if err := readConfig(v); err != nil {
		return nil, err
	}
	return decode(v)
}

func readConfig(v *viper.Viper) error {
	err := v.ReadInConfig()
	if err == nil {
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("failed to read config: %w", err)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Providers == nil {
		cfg.Providers = make(map[string]ProviderConfig)
	}
	return &cfg, nil
}

// GetConfigPath returns the path where the config file should be located.
func GetConfigPath() (string, error) {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "assischat", "config.yaml"), nil
	}
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config dir: %w", err)
	}
	return filepath.Join(configDir, "assischat", "config.yaml"), nil
}

// Save writes cfg as YAML, readable only by the owner.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// Clone returns a deep copy, so callers can edit without racing readers of
// the live config.
func (c *Config) Clone() *Config {
	out := *c
	out.Providers = make(map[string]ProviderConfig, len(c.Providers))
	for k, v := range c.Providers {
		out.Providers[k] = v
	}
	return &out
}

// ApplyOverrides switches the default provider and/or its model, as the
// --provider and --model flags do.
func (c *Config) ApplyOverrides(provider, model string) {
	if provider != "" {
		c.DefaultProvider = provider
	}
	if model == "" {
		return
	}
	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
	pc := c.Providers[c.DefaultProvider]
	pc.Model = model
	c.Providers[c.DefaultProvider] = pc
}

// InferProviderType returns explicit when set, the built-in type for known
// provider names, and the OpenAI-compatible type otherwise.
func InferProviderType(name string, explicit ProviderType) ProviderType {
	if explicit != "" {
		return explicit
	}
	if t, ok := builtinTypes[name]; ok {
		return t
	}
	return ProviderTypeOpenAICompat
}

// ParseModelRef splits "provider:model". A reference without a provider
// uses defaultProvider.
func ParseModelRef(ref, defaultProvider string) (provider, model string) {
	ref = strings.TrimSpace(ref)
	if name, rest, ok := strings.Cut(ref, ":"); ok {
		return name, rest
	}
	return defaultProvider, ref
}

// ModelRef is the canonical "provider:model" form stored on chats.
func (c *Config) ModelRef(provider, model string) string {
	if provider == "" {
		provider = c.DefaultProvider
	}
	if model == "" {
		model = c.Providers[provider].Model
		if model == "" {
			model = defaultModels[InferProviderType(provider, c.Providers[provider].Type)]
		}
	}
	return provider + ":" + model
}

// Settings resolves modelRef into the snapshot a provider is built from.
// Secrets and endpoints are resolved here, once per call, which may run
// external commands or DNS lookups.
func (c *Config) Settings(modelRef string) (llm.Settings, error) {
	return c.settings(modelRef, ResolveValue)
}

func (c *Config) settings(modelRef string, resolve func(string) (string, error)) (llm.Settings, error) {
	name, model := ParseModelRef(modelRef, c.DefaultProvider)
	if name == "" {
		return llm.Settings{}, errors.New("no provider configured")
	}
	pc := c.Providers[name]
	typ := InferProviderType(name, pc.Type)

	key, err := resolve(pc.APIKey)
	if err != nil {
		return llm.Settings{}, fmt.Errorf("resolve %s api_key: %w", name, err)
	}
	if key == "" {
		if env, ok := keyEnv[typ]; ok {
			key = os.Getenv(env)
		}
	}
	endpoint, err := resolve(pc.Endpoint)
	if err != nil {
		return llm.Settings{}, fmt.Errorf("resolve %s endpoint: %w", name, err)
	}
	if model == "" {
		model = pc.Model
	}
	if model == "" {
		model = defaultModels[typ]
	}

	return llm.Settings{
		Provider:   name,
		Type:       string(typ),
		Endpoint:   endpoint,
		Credential: key,
		Model:      model,
		AppURL:     pc.AppURL,
		AppTitle:   pc.AppTitle,
	}, nil
}

// SetCredential records a validated key, and optionally an endpoint, for
// provider.
func (c *Config) SetCredential(provider, key, endpoint string) {
	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
	pc := c.Providers[provider]
	pc.APIKey = key
	if endpoint != "" {
		pc.Endpoint = endpoint
	}
	c.Providers[provider] = pc
}

// ProviderNames returns configured and built-in provider names.
func (c *Config) ProviderNames() []string {
	seen := make(map[string]bool)
	var names []string
	for name := range c.Providers {
		seen[name] = true
		names = append(names, name)
	}
	for name := range builtinTypes {
		if !seen[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
