package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ashureev/coursechat/internal/domain"
	bolt "go.etcd.io/bbolt"
)

var historyBucket = []byte("chat_history")

// boltRecord is the JSON value stored per session, keyed by session ID inside
// a per-user bucket.
type boltRecord struct {
	SessionID   string           `json:"sessionId"`
	UserID      string           `json:"userId"`
	Title       string           `json:"title"`
	Messages    []domain.Message `json:"messages"`
	FirstPrompt string           `json:"firstPrompt,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	LastUpdated time.Time        `json:"lastUpdated"`
}

// BoltStore implements Repository on an embedded bbolt file.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBolt opens (creating if needed) a bbolt-backed repository at path.
func NewBolt(path string, opts ...Option) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create bolt directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(historyBucket)
		return e
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create history bucket: %w", err)
	}
	o := buildOptions(opts)
	return &BoltStore{db: db, now: o.now}, nil
}

// Ping verifies the database file is open.
func (s *BoltStore) Ping(_ context.Context) error {
	if err := s.db.View(func(*bolt.Tx) error { return nil }); err != nil {
		return storeErr("ping", err)
	}
	return nil
}

// UpsertSession creates or updates a session record.
func (s *BoltStore) UpsertSession(_ context.Context, userID, sessionID, title string, messages []domain.Message) error {
	now := s.now().UTC().Truncate(time.Millisecond)
	err := s.db.Update(func(tx *bolt.Tx) error {
		user, err := tx.Bucket(historyBucket).CreateBucketIfNotExists([]byte(userID))
		if err != nil {
			return err
		}

		rec := boltRecord{SessionID: sessionID, UserID: userID, CreatedAt: now}
		if existing := user.Get([]byte(sessionID)); existing != nil {
			var prev boltRecord
			if e := json.Unmarshal(existing, &prev); e != nil {
				return fmt.Errorf("decode existing session: %w", e)
			}
			rec.CreatedAt = prev.CreatedAt
		}
		rec.Title = title
		rec.Messages = messages
		rec.FirstPrompt = firstPrompt(messages)
		rec.LastUpdated = now

		enc, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode session: %w", err)
		}
		return user.Put([]byte(sessionID), enc)
	})
	if err != nil {
		return storeErr("upsert session", err)
	}
	return nil
}

// ListSessions returns the user's sessions ordered by last update, newest first.
func (s *BoltStore) ListSessions(_ context.Context, userID string) ([]domain.SessionSummary, error) {
	byID, err := s.records(userID)
	if err != nil {
		return nil, storeErr("list sessions", err)
	}
	records := make([]boltRecord, 0, len(byID))
	for _, rec := range byID {
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.LastUpdated.Equal(b.LastUpdated) {
			return a.LastUpdated.After(b.LastUpdated)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.SessionID > b.SessionID
	})

	sessions := make([]domain.SessionSummary, 0, len(records))
	for _, rec := range records {
		msgs := rec.Messages
		if msgs == nil {
			msgs = []domain.Message{}
		}
		sessions = append(sessions, domain.SessionSummary{
			ID:        rec.SessionID,
			Title:     rec.Title,
			Timestamp: rec.LastUpdated,
			Messages:  msgs,
		})
	}
	return sessions, nil
}

func (s *BoltStore) records(userID string) (map[string]boltRecord, error) {
	out := make(map[string]boltRecord)
	err := s.db.View(func(tx *bolt.Tx) error {
		user := tx.Bucket(historyBucket).Bucket([]byte(userID))
		if user == nil {
			return nil
		}
		return user.ForEach(func(k, v []byte) error {
			var rec boltRecord
			if e := json.Unmarshal(v, &rec); e != nil {
				return fmt.Errorf("decode session %s: %w", k, e)
			}
			out[string(k)] = rec
			return nil
		})
	})
	return out, err
}

// ClearAll removes every session owned by the user.
func (s *BoltStore) ClearAll(_ context.Context, userID string) (int64, error) {
	var removed int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(historyBucket)
		user := root.Bucket([]byte(userID))
		if user == nil {
			return nil
		}
		removed = int64(user.Stats().KeyN)
		if e := root.DeleteBucket([]byte(userID)); e != nil && !errors.Is(e, bolt.ErrBucketNotFound) {
			return e
		}
		return nil
	})
	if err != nil {
		return 0, storeErr("clear sessions", err)
	}
	return removed, nil
}

// Close closes the database file.
func (s *BoltStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close bolt database: %w", err)
	}
	return nil
}
