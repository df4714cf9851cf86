package store

import (
	"context"
	"os"
	"path/filepath"
)

// Persister is the durable backing for a Store. Every call must be durable
// when it returns nil. Store serializes all calls.
type Persister interface {
	Load(ctx context.Context) ([]Chat, []Message, error)
	SaveChat(ctx context.Context, chat Chat) error
	DeleteChat(ctx context.Context, id string) error
	SaveMessage(ctx context.Context, msg Message) error
	DeleteMessages(ctx context.Context, ids []string) error
	Close() error
}

// Config controls persistence.
type Config struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path,omitempty"` // empty uses GetDBPath
}

// DefaultConfig persists to the default database location.
func DefaultConfig() Config {
	return Config{Enabled: true}
}

// NewPersister returns a SQLite persister, or a NoopPersister when
// persistence is disabled.
func NewPersister(cfg Config) (Persister, error) {
	if !cfg.Enabled {
		return NoopPersister{}, nil
	}
	return NewSQLitePersister(cfg.Path)
}

// GetDBPath returns the default database location, honouring XDG_DATA_HOME.
func GetDBPath() (string, error) {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "assischat", "assischat.db"), nil
}

// NoopPersister keeps nothing. Used when persistence is disabled.
type NoopPersister struct{}

func (NoopPersister) Load(ctx context.Context) ([]Chat, []Message, error) { return nil, nil, nil }
func (NoopPersister) SaveChat(ctx context.Context, chat Chat) error         { return nil }
func (NoopPersister) DeleteChat(ctx context.Context, id string) error       { return nil }
func (NoopPersister) SaveMessage(ctx context.Context, msg Message) error    { return nil }
func (NoopPersister) DeleteMessages(ctx context.Context, ids []string) error {
	return nil
}
func (NoopPersister) Close() error { return nil }
