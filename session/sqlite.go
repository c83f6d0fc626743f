package session

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

type sqliteBackend struct {
	db *sql.DB
}

func openSQLite(path string) (*sqliteBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite parent dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// The write queue is the only writer; a single connection avoids
	// SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	b := &sqliteBackend{db: db}
	if err := b.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *sqliteBackend) migrate(ctx context.Context) error {
	statements := []string{
		"PRAGMA foreign_keys = ON;",
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			directory TEXT NOT NULL,
			external_id TEXT NOT NULL,
			message_count INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at TEXT NOT NULL,
			FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
		);`,
	}

	for _, statement := range statements {
		if _, err := b.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("migrate sqlite schema: %w", err)
		}
	}
	return nil
}

func (b *sqliteBackend) Close() error {
	return b.db.Close()
}

func (b *sqliteBackend) PutSession(ctx context.Context, s Session) error {
	_, err := b.db.ExecContext(
		ctx,
		`INSERT INTO sessions(session_id, title, directory, external_id, message_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
			title = excluded.title,
			directory = excluded.directory,
			external_id = excluded.external_id,
			message_count = excluded.message_count,
			updated_at = excluded.updated_at`,
		s.ID, s.Title, s.Directory, s.ExternalID, s.MessageCount,
		formatTime(s.CreatedAt), formatTime(s.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (b *sqliteBackend) DeleteSession(ctx context.Context, id string) error {
	if _, err := b.db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}
	_, err := b.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (b *sqliteBackend) PutMessage(ctx context.Context, m Message) error {
	_, err := b.db.ExecContext(
		ctx,
		`INSERT INTO messages(message_id, session_id, role, text, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(message_id) DO NOTHING`,
		m.ID, m.SessionID, string(m.Role), m.Text, formatTime(m.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (b *sqliteBackend) Load(ctx context.Context) ([]Session, []Message, error) {
	sessionRows, err := b.db.QueryContext(
		ctx,
		`SELECT session_id, title, directory, external_id, message_count, created_at, updated_at
		 FROM sessions`,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("query sessions: %w", err)
	}
	defer sessionRows.Close()

	var sessions []Session
	for sessionRows.Next() {
		var s Session
		var createdAt, updatedAt string
		if err := sessionRows.Scan(&s.ID, &s.Title, &s.Directory, &s.ExternalID,
			&s.MessageCount, &createdAt, &updatedAt); err != nil {
			return nil, nil, fmt.Errorf("scan session: %w", err)
		}
		s.CreatedAt = parseTime(createdAt)
		s.UpdatedAt = parseTime(updatedAt)
		sessions = append(sessions, s)
	}
	if err := sessionRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate sessions: %w", err)
	}

	messageRows, err := b.db.QueryContext(
		ctx,
		`SELECT message_id, session_id, role, text, created_at
		 FROM messages ORDER BY message_id`,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("query messages: %w", err)
	}
	defer messageRows.Close()

	var messages []Message
	for messageRows.Next() {
		var m Message
		var role, createdAt string
		if err := messageRows.Scan(&m.ID, &m.SessionID, &role, &m.Text, &createdAt); err != nil {
			return nil, nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = Role(role)
		m.CreatedAt = parseTime(createdAt)
		messages = append(messages, m)
	}
	if err := messageRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate messages: %w", err)
	}

	return sessions, messages, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
