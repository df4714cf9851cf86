package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLitePersister implements Persister using SQLite.
type SQLitePersister struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS chats (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    model TEXT NOT NULL DEFAULT '',
    message_prefix TEXT,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
    role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
    created_at TIMESTAMP NOT NULL,
    content TEXT,
    processed_content TEXT,
    receiving BOOLEAN NOT NULL DEFAULT FALSE,
    failed_reason TEXT
);

CREATE INDEX IF NOT EXISTS idx_chats_updated_at ON chats(updated_at DESC);
CREATE INDEX IF NOT EXISTS idx_messages_chat_id ON messages(chat_id, created_at DESC);
`

// schemaVersion is the current schema version. Fresh databases get the full
// schema and start here; older ones run migrations to reach it.
const schemaVersion = 1

type migration struct {
	version     int
	description string
	up          func(db *sql.DB) error
}

// migrations upgrade databases created before a schema change. The schema
// const always holds the full current schema.
var migrations []migration

// NewSQLitePersister opens (creating if needed) the database at path. An
// empty path uses GetDBPath.
func NewSQLitePersister(path string) (*SQLitePersister, error) {
	if path == "" {
		var err error
		path, err = GetDBPath()
		if err != nil {
			return nil, fmt.Errorf("get db path: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &SQLitePersister{db: db}, nil
}

// initSchema is a single SELECT when the schema is already current.
func initSchema(db *sql.DB) error {
	var currentVersion int
	err := db.QueryRow("SELECT version FROM schema_version").Scan(&currentVersion)
	if err == nil && currentVersion >= schemaVersion {
		return nil
	}

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create base schema: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	if err != nil {
		if err != sql.ErrNoRows && !strings.Contains(err.Error(), "no such table") {
			return fmt.Errorf("get current version: %w", err)
		}
		currentVersion = schemaVersion
		if _, err := db.Exec("INSERT INTO schema_version (version) VALUES (?)", currentVersion); err != nil {
			return fmt.Errorf("insert initial version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if err := m.up(db); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.description, err)
		}
		if _, err := db.Exec("UPDATE schema_version SET version = ?", m.version); err != nil {
			return fmt.Errorf("update version to %d: %w", m.version, err)
		}
	}
	return nil
}

// Load returns every chat and message.
func (p *SQLitePersister) Load(ctx context.Context) ([]Chat, []Message, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, model, message_prefix, created_at, updated_at
		FROM chats ORDER BY updated_at DESC`)
	if err != nil {
		return nil, nil, fmt.Errorf("query chats: %w", err)
	}
	var chats []Chat
	for rows.Next() {
		var c Chat
		var prefix sql.NullString
		if err := rows.Scan(&c.ID, &c.Name, &c.Model, &prefix, &c.CreatedAt, &c.UpdatedAt); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("scan chat: %w", err)
		}
		c.MessagePrefix = prefix.String
		chats = append(chats, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate chats: %w", err)
	}

	rows, err = p.db.QueryContext(ctx, `
		SELECT id, chat_id, role, created_at, content, processed_content, receiving, failed_reason
		FROM messages ORDER BY created_at ASC`)
	if err != nil {
		return nil, nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		var content, processed, reason sql.NullString
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Role, &m.Timestamp, &content, &processed, &m.Receiving, &reason); err != nil {
			return nil, nil, fmt.Errorf("scan message: %w", err)
		}
		m.Content = content.String
		m.ProcessedContent = processed.String
		m.FailedReason = FailureReason(reason.String)
		messages = append(messages, m)
	}
	return chats, messages, rows.Err()
}

// SaveChat inserts or updates a chat.
func (p *SQLitePersister) SaveChat(ctx context.Context, c Chat) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO chats (id, name, model, message_prefix, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			model = excluded.model,
			message_prefix = excluded.message_prefix,
			updated_at = excluded.updated_at`,
		c.ID, c.Name, c.Model, nullString(c.MessagePrefix), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save chat: %w", err)
	}
	return nil
}

// DeleteChat removes a chat; its messages go with it via ON DELETE CASCADE.
func (p *SQLitePersister) DeleteChat(ctx context.Context, id string) error {
	if _, err := p.db.ExecContext(ctx, "DELETE FROM chats WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	return nil
}

// SaveMessage inserts or updates a message. Role, chat and timestamp are
// fixed at insert.
func (p *SQLitePersister) SaveMessage(ctx context.Context, m Message) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO messages (id, chat_id, role, created_at, content, processed_content, receiving, failed_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			receiving = excluded.receiving,
			failed_reason = excluded.failed_reason`,
		m.ID, m.ChatID, string(m.Role), m.Timestamp, nullString(m.Content), nullString(m.ProcessedContent),
		m.Receiving, nullString(string(m.FailedReason)))
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

// DeleteMessages removes the given messages.
func (p *SQLitePersister) DeleteMessages(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := p.db.ExecContext(ctx, "DELETE FROM messages WHERE id IN ("+placeholders+")", args...); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (p *SQLitePersister) Close() error {
	return p.db.Close()
}

// nullString converts an empty string to NULL for database storage.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
