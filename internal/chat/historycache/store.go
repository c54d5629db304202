// Package historycache is a local SQLite cache of confirmed thread messages.
//
// The cache makes thread switching feel instant: on thread open the cached
// transcript renders immediately while the authoritative HTTP history fetch
// is in flight, and the fetch result then replaces the cached rows. Only
// confirmed messages are written; optimistic entries never touch disk.
package historycache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type Thread struct {
	ThreadID        string `json:"thread_id"`
	AgentID         string `json:"agent_id"`
	WorkspaceID     string `json:"workspace_id"`
	Title           string `json:"title"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms"`
	UpdatedAtUnixMs int64  `json:"updated_at_unix_ms"`
}

type Message struct {
	ThreadID        string `json:"thread_id"`
	MessageID       string `json:"message_id"`
	SenderType      string `json:"sender_type"`
	Content         string `json:"content"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms"`
}

// UpsertThread records or refreshes thread metadata.
func (s *Store) UpsertThread(ctx context.Context, t Thread) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	t.ThreadID = strings.TrimSpace(t.ThreadID)
	if t.ThreadID == "" {
		return errors.New("missing thread_id")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO cached_threads (thread_id, agent_id, workspace_id, title, created_at_unix_ms, updated_at_unix_ms)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(thread_id) DO UPDATE SET
  agent_id = excluded.agent_id,
  workspace_id = excluded.workspace_id,
  title = excluded.title,
  updated_at_unix_ms = excluded.updated_at_unix_ms
`, t.ThreadID, strings.TrimSpace(t.AgentID), strings.TrimSpace(t.WorkspaceID), strings.TrimSpace(t.Title), t.CreatedAtUnixMs, t.UpdatedAtUnixMs)
	return err
}

// AppendMessage upserts one confirmed message. Re-applying the same message id
// updates in place, so duplicate confirmations cannot fork the cache.
func (s *Store) AppendMessage(ctx context.Context, m Message) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	m.ThreadID = strings.TrimSpace(m.ThreadID)
	m.MessageID = strings.TrimSpace(m.MessageID)
	if m.ThreadID == "" || m.MessageID == "" {
		return errors.New("missing thread_id/message_id")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO cached_messages (thread_id, message_id, sender_type, content, created_at_unix_ms)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(thread_id, message_id) DO UPDATE SET
  sender_type = excluded.sender_type,
  content = excluded.content,
  created_at_unix_ms = excluded.created_at_unix_ms
`, m.ThreadID, m.MessageID, strings.TrimSpace(m.SenderType), m.Content, m.CreatedAtUnixMs)
	return err
}

// SetThreadTitle updates a cached thread's title; unknown threads are a no-op.
func (s *Store) SetThreadTitle(ctx context.Context, threadID, title string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return errors.New("missing thread_id")
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE cached_threads SET title = ? WHERE thread_id = ?`,
		strings.TrimSpace(title), threadID)
	return err
}

// ListMessages returns a thread's cached transcript in send order.
func (s *Store) ListMessages(ctx context.Context, threadID string) ([]Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil, errors.New("missing thread_id")
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT thread_id, message_id, sender_type, content, created_at_unix_ms
FROM cached_messages
WHERE thread_id = ?
ORDER BY created_at_unix_ms ASC, id ASC
`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Message, 0, 64)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ThreadID, &m.MessageID, &m.SenderType, &m.Content, &m.CreatedAtUnixMs); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ReplaceThreadMessages swaps a thread's cached transcript for the
// authoritative server history in one transaction.
func (s *Store) ReplaceThreadMessages(ctx context.Context, threadID string, msgs []Message) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return errors.New("missing thread_id")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cached_messages WHERE thread_id = ?`, threadID); err != nil {
		return err
	}
	for _, m := range msgs {
		mid := strings.TrimSpace(m.MessageID)
		if mid == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO cached_messages (thread_id, message_id, sender_type, content, created_at_unix_ms)
VALUES (?, ?, ?, ?, ?)
`, threadID, mid, strings.TrimSpace(m.SenderType), m.Content, m.CreatedAtUnixMs); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DeleteThread drops a thread and its cached transcript.
func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return errors.New("missing thread_id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM cached_messages WHERE thread_id = ?`, threadID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cached_threads WHERE thread_id = ?`, threadID); err != nil {
		return err
	}
	return tx.Commit()
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS cached_threads (
  thread_id TEXT PRIMARY KEY,
  agent_id TEXT NOT NULL DEFAULT '',
  workspace_id TEXT NOT NULL DEFAULT '',
  title TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL DEFAULT 0,
  updated_at_unix_ms INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS cached_messages (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  thread_id TEXT NOT NULL,
  message_id TEXT NOT NULL,
  sender_type TEXT NOT NULL DEFAULT '',
  content TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL DEFAULT 0,
  UNIQUE (thread_id, message_id)
);

CREATE INDEX IF NOT EXISTS idx_cached_messages_thread
  ON cached_messages (thread_id, created_at_unix_ms);
`)
	return err
}
