package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"charla/server/internal/protocol"
)

// Store persists the append-only message history in SQLite. The autoincrement
// row ID is the arrival order, so replay after a restart is identical to the
// order messages were appended in.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the history database and runs migrations.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	st := &Store{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("history store opened", "path", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	sender_id TEXT NOT NULL,
	sender TEXT NOT NULL,
	scope TEXT NOT NULL,
	target TEXT NOT NULL DEFAULT '',
	body_kind TEXT NOT NULL,
	body_text TEXT NOT NULL DEFAULT '',
	body_data TEXT NOT NULL DEFAULT '',
	ts INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_ts ON messages(ts);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run sqlite migrations: %w", err)
	}
	slog.Debug("sqlite migrations applied")
	return nil
}

// Append persists one message and returns its assigned ID.
func (s *Store) Append(ctx context.Context, msg protocol.ChatMessage) (int64, error) {
	const q = `
INSERT INTO messages (sender_id, sender, scope, target, body_kind, body_text, body_data, ts)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`
	result, err := s.db.ExecContext(
		ctx,
		q,
		msg.SenderID,
		msg.Sender,
		msg.Scope,
		msg.Target,
		msg.Body.Kind,
		bodyText(msg.Body),
		msg.Body.Data,
		msg.TS,
	)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	id, _ := result.LastInsertId()
	slog.Debug("message persisted", "msg_id", id, "scope", msg.Scope, "sender", msg.Sender)
	return id, nil
}

// All returns every persisted message in arrival order.
func (s *Store) All(ctx context.Context) ([]protocol.ChatMessage, error) {
	const q = `
SELECT id, sender_id, sender, scope, target, body_kind, body_text, body_data, ts
FROM messages
ORDER BY id
`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []protocol.ChatMessage
	for rows.Next() {
		var (
			m    protocol.ChatMessage
			text string
		)
		if err := rows.Scan(&m.ID, &m.SenderID, &m.Sender, &m.Scope, &m.Target, &m.Body.Kind, &text, &m.Body.Data, &m.TS); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		setBodyText(&m.Body, text)
		msgs = append(msgs, m)
	}
	slog.Debug("history loaded", "count", len(msgs))
	return msgs, rows.Err()
}

// Clear empties the history. Used only by the administrative reset.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages`); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	slog.Info("history cleared")
	return nil
}

// The body union flattens to one text column: sticker names share it with
// message text, disambiguated by body_kind.
func bodyText(b protocol.Body) string {
	if b.Kind == protocol.KindSticker {
		return b.Name
	}
	return b.Text
}

func setBodyText(b *protocol.Body, text string) {
	if b.Kind == protocol.KindSticker {
		b.Name = text
		return
	}
	b.Text = text
}
