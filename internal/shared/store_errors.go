// Package shared provides common utilities used across the codebase.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import (
	"context"
	"errors"
	"strings"

	bolt "go.etcd.io/bbolt"
	"go.mongodb.org/mongo-driver/mongo"
)

// IsSQLiteConflictError reports whether err is a SQLITE_BUSY or
// "database is locked" error.
func IsSQLiteConflictError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// IsStoreUnavailable reports whether err means the history store is
// temporarily unreachable rather than broken. Handlers answer these with 503.
func IsStoreUnavailable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case IsSQLiteConflictError(err):
		return true
	case errors.Is(err, bolt.ErrTimeout), errors.Is(err, bolt.ErrDatabaseNotOpen):
		return true
	case mongo.IsTimeout(err), mongo.IsNetworkError(err), errors.Is(err, mongo.ErrClientDisconnected):
		return true
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}
