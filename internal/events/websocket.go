package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/coursechat/internal/identity"
)

const (
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
)

// WebSocketHandler streams a user's history events over a websocket. It must
// run behind identity.Middleware.
type WebSocketHandler struct {
	hub            *Hub
	originPatterns []string
	logger         *slog.Logger
}

// NewWebSocketHandler creates a handler. originPatterns follow
// websocket.AcceptOptions semantics; nil accepts only same-origin requests.
func NewWebSocketHandler(hub *Hub, originPatterns []string, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{hub: hub, originPatterns: originPatterns, logger: logger}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "subscription ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	events, cancel := h.hub.Subscribe(userID)
	defer cancel()

	// Clients never send frames; CloseRead handles control frames and
	// cancels ctx when the peer goes away.
	ctx := ws.CloseRead(r.Context())

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := h.writeJSON(ctx, ws, ev); err != nil {
				h.logger.Debug("History event write failed", "error", err, "user_id", userID)
				return
			}
		case <-ticker.C:
			pctx, pcancel := context.WithTimeout(ctx, writeTimeout)
			err := ws.Ping(pctx)
			pcancel()
			if err != nil {
				h.logger.Debug("History websocket ping failed", "error", err, "user_id", userID)
				return
			}
		}
	}
}

func (h *WebSocketHandler) writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(wctx, websocket.MessageText, data)
}
