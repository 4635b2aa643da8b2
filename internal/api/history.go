package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/coursechat/internal/domain"
	"github.com/ashureev/coursechat/internal/events"
	"github.com/ashureev/coursechat/internal/identity"
	"github.com/ashureev/coursechat/internal/shared"
	"github.com/ashureev/coursechat/internal/store"
)

// HistoryHandler serves the per-user session history endpoints.
type HistoryHandler struct {
	repo         store.Repository
	events       events.Publisher
	maxBodyBytes int64
	logger       *slog.Logger
}

// NewHistoryHandler creates a history handler. pub may be nil.
func NewHistoryHandler(repo store.Repository, pub events.Publisher, maxBodyBytes int64, logger *slog.Logger) *HistoryHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoryHandler{repo: repo, events: pub, maxBodyBytes: maxBodyBytes, logger: logger}
}

// RegisterRoutes registers history routes behind auth.
func (h *HistoryHandler) RegisterRoutes(r chi.Router, auth func(http.Handler) http.Handler) {
	r.Route("/api/history", func(r chi.Router) {
		r.Use(auth)
		r.Post("/save", h.Save)
		r.Get("/load", h.Load)
		r.Delete("/clear", h.Clear)
	})
}

type saveRequest struct {
	SessionID string            `json:"sessionId"`
	Title     string            `json:"title"`
	Messages  *[]domain.Message `json:"messages"`
}

// Save upserts one session snapshot. The title is stored as sent.
func (h *HistoryHandler) Save(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	log := h.callerLogger(r, userID)

	var req saveRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		Error(w, decodeStatus(err), err.Error())
		return
	}
	if strings.TrimSpace(req.SessionID) == "" || req.Title == "" || req.Messages == nil {
		Error(w, http.StatusBadRequest, "Missing sessionId, title or messages.")
		return
	}

	messages := domain.Persistable(*req.Messages)
	if err := h.repo.UpsertSession(r.Context(), userID, req.SessionID, req.Title, messages); err != nil {
		log.Error("Failed to save history", "error", err, "session_id", req.SessionID)
		h.storeError(w, err, "Failed to save history to database.")
		return
	}

	log.Info("History saved", "session_id", req.SessionID, "messages", len(messages))
	h.publish(userID, events.Event{Type: events.TypeHistoryUpdated, SessionID: req.SessionID})
	JSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "History saved successfully.",
	})
}

// Load returns every session of the caller, most recent first.
func (h *HistoryHandler) Load(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	log := h.callerLogger(r, userID)

	history, err := h.repo.ListSessions(r.Context(), userID)
	if err != nil {
		log.Error("Failed to load history", "error", err)
		h.storeError(w, err, "Failed to load history from database.")
		return
	}
	if history == nil {
		history = []domain.SessionSummary{}
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"history": history,
	})
}

// Clear deletes every session of the caller.
func (h *HistoryHandler) Clear(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	log := h.callerLogger(r, userID)

	deleted, err := h.repo.ClearAll(r.Context(), userID)
	if err != nil {
		log.Error("Failed to clear history", "error", err)
		h.storeError(w, err, "Failed to clear history from database.")
		return
	}

	if deleted > 0 {
		log.Info("History cleared", "deleted", deleted)
	} else {
		log.Info("No history found to clear")
	}
	h.publish(userID, events.Event{Type: events.TypeHistoryCleared})
	JSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"message":      "History cleared successfully.",
		"deletedCount": deleted,
	})
}

// callerLogger tags records with the verified caller.
func (h *HistoryHandler) callerLogger(r *http.Request, userID string) *slog.Logger {
	l := h.logger.With("user_id", userID)
	if email := identity.EmailFromContext(r.Context()); email != "" {
		l = l.With("email", email)
	}
	return l
}

func (h *HistoryHandler) storeError(w http.ResponseWriter, err error, message string) {
	if shared.IsStoreUnavailable(err) {
		Error(w, http.StatusServiceUnavailable, "History store temporarily unavailable.")
		return
	}
	Error(w, http.StatusInternalServerError, message)
}

func (h *HistoryHandler) publish(userID string, ev events.Event) {
	if h.events != nil {
		h.events.Publish(userID, ev)
	}
}
