// Package events fans history change notifications out to every open
// websocket of a user, so other tabs can refresh their session list.
package events

import (
	"log/slog"
	"sync"
)

// Event types pushed to subscribers.
const (
	TypeHistoryUpdated = "history.updated"
	TypeHistoryCleared = "history.cleared"
)

// Event is the JSON frame written to websocket subscribers.
type Event struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
}

// Publisher accepts history change notifications.
type Publisher interface {
	Publish(userID string, ev Event)
}

const subscriberBuffer = 16

type subscriber struct {
	ch chan Event
}

// Hub tracks subscribers per user.
type Hub struct {
	mu     sync.RWMutex
	active map[string]map[int64]*subscriber
	nextID int64
	logger *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		active: make(map[string]map[int64]*subscriber),
		logger: logger,
	}
}

// Subscribe registers a new subscriber for userID. The returned cancel
// function unregisters it and closes the channel.
func (h *Hub) Subscribe(userID string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}
	if _, ok := h.active[userID]; !ok {
		h.active[userID] = make(map[int64]*subscriber)
	}
	h.active[userID][id] = sub
	h.logger.Info("History subscriber registered", "user_id", userID, "subscriber_id", id)

	var once sync.Once
	return sub.ch, func() { once.Do(func() { h.unsubscribe(userID, id) }) }
}

func (h *Hub) unsubscribe(userID string, id int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.active[userID]
	if !ok {
		return
	}
	if sub, exists := subs[id]; exists {
		close(sub.ch)
		delete(subs, id)
		if len(subs) == 0 {
			delete(h.active, userID)
		}
		h.logger.Info("History subscriber unregistered", "user_id", userID, "subscriber_id", id)
	}
}

// Publish delivers ev to every subscriber of userID. Slow subscribers whose
// buffer is full miss the event; the next one carries the same meaning.
func (h *Hub) Publish(userID string, ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, sub := range h.active[userID] {
		select {
		case sub.ch <- ev:
		default:
			h.logger.Warn("Dropping history event for slow subscriber", "user_id", userID, "subscriber_id", id, "type", ev.Type)
		}
	}
}

// Count returns the number of subscribers of userID.
func (h *Hub) Count(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active[userID])
}
