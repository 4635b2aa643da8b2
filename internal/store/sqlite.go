package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/coursechat/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string, opts ...Option) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Pragmas in the DSN apply to every pooled connection.
	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	o := buildOptions(opts)
	store := &SQLiteStore{db: db, now: o.now}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS chat_history (
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		title TEXT NOT NULL,
		messages_json TEXT NOT NULL,
		first_prompt TEXT,
		created_at INTEGER NOT NULL,
		last_updated INTEGER NOT NULL,
		PRIMARY KEY (user_id, session_id)
	);
	CREATE INDEX IF NOT EXISTS idx_chat_history_user_updated ON chat_history(user_id, last_updated);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return storeErr("ping", err)
	}
	return nil
}

// UpsertSession creates or updates a session record.
func (s *SQLiteStore) UpsertSession(ctx context.Context, userID, sessionID, title string, messages []domain.Message) error {
	data, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}

	query := `
	INSERT INTO chat_history (user_id, session_id, title, messages_json, first_prompt, created_at, last_updated)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id, session_id) DO UPDATE SET
		title = excluded.title,
		messages_json = excluded.messages_json,
		first_prompt = excluded.first_prompt,
		last_updated = excluded.last_updated`

	var prompt interface{}
	if p := firstPrompt(messages); p != "" {
		prompt = p
	}

	now := s.now().UnixMilli()
	_, err = s.db.ExecContext(ctx, query,
		userID, sessionID, title, string(data), prompt, now, now,
	)
	if err != nil {
		return storeErr("upsert session", err)
	}
	return nil
}

// ListSessions returns the user's sessions ordered by last update, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, userID string) ([]domain.SessionSummary, error) {
	query := `
		SELECT session_id, title, messages_json, last_updated
		FROM chat_history WHERE user_id = ?
		ORDER BY last_updated DESC, created_at DESC, session_id DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, storeErr("query sessions", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	sessions := []domain.SessionSummary{}
	for rows.Next() {
		var summary domain.SessionSummary
		var messagesJSON string
		var lastUpdated int64

		if err := rows.Scan(&summary.ID, &summary.Title, &messagesJSON, &lastUpdated); err != nil {
			return nil, storeErr("scan session row", err)
		}
		if err := json.Unmarshal([]byte(messagesJSON), &summary.Messages); err != nil {
			return nil, storeErr("decode session messages", err)
		}
		if summary.Messages == nil {
			summary.Messages = []domain.Message{}
		}
		summary.Timestamp = time.UnixMilli(lastUpdated).UTC()
		sessions = append(sessions, summary)
	}

	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate sessions", err)
	}

	return sessions, nil
}

// ClearAll removes every session owned by the user.
func (s *SQLiteStore) ClearAll(ctx context.Context, userID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM chat_history WHERE user_id = ?`, userID)
	if err != nil {
		return 0, storeErr("clear sessions", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, storeErr("clear sessions rows affected", err)
	}
	return rows, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
