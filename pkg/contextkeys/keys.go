// Package contextkeys provides centralized context key definitions
//
// All request-scoped values that cross package boundaries are keyed here.
// Core engines never read these directly: the HTTP boundary converts them
// into an explicit audit.Exec value before calling into rbac or audit.
//
// USAGE PATTERN:
//
//	import "github.com/platinummonkey/taskward/pkg/contextkeys"
//	ctx = contextkeys.WithUser(ctx, user)
//	user, _ := ctx.Value(contextkeys.UserKey).(*auth.User)
package contextkeys

import (
	"context"
	"time"
)

// Key is the type for context keys to prevent collisions
type Key string

const (
	// UserKey contains *auth.User
	// Set by: auth.Middleware.Authenticate
	// Required by: rbac.Middleware, audit handlers
	UserKey Key = "user"

	// RequestIDKey contains request ID string (UUID)
	// Set by: auth.Middleware.Authenticate
	// Used by: Logger, audit trail
	RequestIDKey Key = "request_id"

	// ClientIPKey contains the resolved client address string
	// Set by: auth.Middleware.Authenticate
	// Used by: audit trail
	ClientIPKey Key = "client_ip"

	// LoggerKey contains *observability.Logger
	LoggerKey Key = "logger"

	// RequestStartTimeKey contains request start timestamp
	// Used by: access logging elapsed time
	RequestStartTimeKey Key = "request_start_time"
)

// WithUser adds the authenticated user to the context
func WithUser(ctx context.Context, user interface{}) context.Context {
	return context.WithValue(ctx, UserKey, user)
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithClientIP adds the client IP to the context
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ClientIPKey, ip)
}

// WithLogger adds logger to the context
func WithLogger(ctx context.Context, logger interface{}) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// WithRequestStartTime adds request start time to the context
func WithRequestStartTime(ctx context.Context, startTime time.Time) context.Context {
	return context.WithValue(ctx, RequestStartTimeKey, startTime)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// GetClientIP retrieves the client IP from context
func GetClientIP(ctx context.Context) string {
	if ip, ok := ctx.Value(ClientIPKey).(string); ok {
		return ip
	}
	return ""
}

// GetRequestStartTime retrieves the request start time, zero if unset
func GetRequestStartTime(ctx context.Context) time.Time {
	if t, ok := ctx.Value(RequestStartTimeKey).(time.Time); ok {
		return t
	}
	return time.Time{}
}
