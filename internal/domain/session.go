// Package domain contains core domain types for the course chat service.
package domain

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// Sender identifies who produced a message.
type Sender string

const (
	// SenderUser marks a prompt typed by the user.
	SenderUser Sender = "user"
	// SenderAssistant marks a reply produced by the assistant.
	SenderAssistant Sender = "ai"
)

// Message is one turn in a conversation.
type Message struct {
	Sender    Sender  `json:"sender"`
	Content   Content `json:"content"`
	IsCourse  bool    `json:"isCourse"`
	IsLoading bool    `json:"isLoading,omitempty"`
	// Ephemeral messages are shown locally and never persisted.
	Ephemeral bool `json:"-"`
}

// Session is one persisted conversation owned by a single user.
type Session struct {
	ID          string
	UserID      string
	Title       string
	Messages    []Message
	CreatedAt   time.Time
	LastUpdated time.Time
}

// SessionSummary is a history list entry as returned to clients.
type SessionSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
	Messages  []Message `json:"messages"`
}

// NewSessionID returns a time-ordered random identifier.
func NewSessionID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Persistable returns the messages of msgs that may be written to the store.
// Loading placeholders and ephemeral messages are dropped.
func Persistable(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.IsLoading || m.Ephemeral {
			continue
		}
		out = append(out, m)
	}
	return out
}

// CloneMessages returns a copy of msgs that shares no backing array with it.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m
		if m.Content.Course != nil {
			out[i].Content.Course = m.Content.Course.Clone()
		}
	}
	return out
}

// CloneSummaries returns a deep copy of a history list.
func CloneSummaries(list []SessionSummary) []SessionSummary {
	if list == nil {
		return nil
	}
	out := slices.Clone(list)
	for i := range out {
		out[i].Messages = CloneMessages(list[i].Messages)
	}
	return out
}
