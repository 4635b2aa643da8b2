// Package identity verifies bearer credentials and carries the caller's user ID
// through the request context. The user ID is always derived from a verified
// credential, never taken from client input.
package identity

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// TokenQueryParam carries the credential for websocket upgrades, where
// browsers cannot set an Authorization header.
const TokenQueryParam = "token"

var (
	// ErrMissingToken is returned when the request carries no bearer credential.
	ErrMissingToken = errors.New("authentication required: token missing")
	// ErrInvalidToken is returned when a credential fails verification.
	ErrInvalidToken = errors.New("invalid or expired token")
)

// Identity is the verified caller.
type Identity struct {
	UserID string
	Email  string
}

// Verifier turns a bearer credential into an Identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

type contextKey int

const (
	userIDKey contextKey = iota
	emailKey
)

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// EmailFromContext extracts the caller's email, if the credential carried one.
func EmailFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(emailKey).(string); ok {
		return v
	}
	return ""
}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	ctx = context.WithValue(ctx, userIDKey, id.UserID)
	return context.WithValue(ctx, emailKey, id.Email)
}

// BearerToken extracts the credential from the Authorization header, falling
// back to the token query parameter on websocket upgrade requests.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return r.URL.Query().Get(TokenQueryParam)
	}
	return ""
}

// Middleware rejects requests without a valid bearer credential and injects
// the verified identity into the request context.
func Middleware(v Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if token == "" {
				writeUnauthorized(w, "Authentication required. Token missing.")
				return
			}

			id, err := v.Verify(r.Context(), token)
			if err != nil {
				slog.Warn("Token verification failed", "error", err, "path", r.URL.Path)
				writeUnauthorized(w, "Invalid or expired token.")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + message + `"}`))
}
