// Package store provides chat history persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/coursechat/internal/domain"
)

// ErrStore marks every failure reported by a Repository. Callers use
// errors.Is(err, ErrStore) to tell store I/O failures from other errors.
var ErrStore = errors.New("history store failure")

// Repository defines the interface for persisting chat sessions.
// Every operation is scoped by the owning user ID.
type Repository interface {
	// UpsertSession inserts the session if it is unseen for the user, else
	// replaces its title and messages and bumps its last update time.
	// CreatedAt is set only on insert.
	UpsertSession(ctx context.Context, userID, sessionID, title string, messages []domain.Message) error

	// ListSessions returns all sessions of the user, most recently updated first.
	ListSessions(ctx context.Context, userID string) ([]domain.SessionSummary, error)

	// ClearAll deletes every session of the user and returns how many were removed.
	ClearAll(ctx context.Context, userID string) (int64, error)

	// Ping verifies store connectivity and returns an error if it is unreachable.
	Ping(ctx context.Context) error

	// Close releases the underlying connection.
	Close() error
}

// Option configures a Repository implementation.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source used for createdAt and lastUpdated.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStore, err)
}

func firstPrompt(messages []domain.Message) string {
	for _, m := range messages {
		if m.Sender == domain.SenderUser {
			return m.Content.String()
		}
	}
	return ""
}
