// Package contextkeys provides centralized context key definitions
//
// IMPORTANT: All context keys shared across packages must be defined here.
// The tenant context is the exception: its key is private to pkg/access so
// that nothing else can set it.
//
// USAGE PATTERN:
//
//	import "github.com/platinummonkey/tenantgate/pkg/contextkeys"
//	ctx = contextkeys.WithUser(ctx, user)
//	user, ok := contextkeys.User(ctx)
package contextkeys

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/tenantgate/pkg/storage"
)

// Key is the type for context keys to prevent collisions
type Key string

const (
	// UserKey contains *storage.User
	// Set by: middleware.Authenticate (pkg/middleware/auth.go)
	// Required by: access guard stages, all authenticated handlers
	// Type: *storage.User
	UserKey Key = "user"

	// RequestIDKey contains request ID string (UUID)
	// Set by: httputil.RequestIDMiddleware
	// Used by: Logger, error responses
	// Type: string
	RequestIDKey Key = "request_id"

	// LoggerKey contains a request-scoped logrus entry
	// Set by: httputil.LoggingMiddleware
	// Used by: Handlers that need structured logging with request context
	// Type: *logrus.Entry
	LoggerKey Key = "logger"
)

// WithUser adds the authenticated user to the context
func WithUser(ctx context.Context, user *storage.User) context.Context {
	return context.WithValue(ctx, UserKey, user)
}

// User retrieves the authenticated user from context
func User(ctx context.Context) (*storage.User, bool) {
	user, ok := ctx.Value(UserKey).(*storage.User)
	return user, ok && user != nil
}

// ActorID returns the authenticated user's ID, or nil when the request has
// no user
func ActorID(ctx context.Context) *int64 {
	user, ok := User(ctx)
	if !ok {
		return nil
	}
	id := user.ID
	return &id
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// WithLogger adds a request-scoped logger to the context
func WithLogger(ctx context.Context, logger *logrus.Entry) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// Logger returns the request-scoped logger, falling back to the standard logger
func Logger(ctx context.Context) *logrus.Entry {
	if logger, ok := ctx.Value(LoggerKey).(*logrus.Entry); ok && logger != nil {
		return logger
	}
	return logrus.NewEntry(logrus.StandardLogger())
}
