package domain

import "context"

type ctxKey string

const (
	sessionCtxKey     ctxKey = "session_id"
	correlationCtxKey ctxKey = "correlation_id"
)

// ContextWithSessionID returns a new context carrying the client session ID.
func ContextWithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionCtxKey, sessionID)
}

// SessionIDFromContext extracts the session ID from the context.
// Returns empty string if not set.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionCtxKey).(string); ok {
		return v
	}
	return ""
}

// ContextWithCorrelationID returns a new context carrying the correlation ID
// that ties a publish to the events and responses it causes.
func ContextWithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationCtxKey, correlationID)
}

// CorrelationIDFromContext extracts the correlation ID from the context.
// Returns empty string if not set.
func CorrelationIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(correlationCtxKey).(string); ok {
		return v
	}
	return ""
}

// EnsureCorrelationID returns ctx unchanged when it already carries a
// correlation ID, otherwise a child context with a fresh one.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	if id := CorrelationIDFromContext(ctx); id != "" {
		return ctx, id
	}
	id := NewID()
	return ContextWithCorrelationID(ctx, id), id
}
