package tools

import "context"

type contextKey string

const (
	sessionIDKey    contextKey = "session_id"
	turnIDKey       contextKey = "turn_id"
	userIDKey       contextKey = "user_id"
	invocationIDKey contextKey = "invocation_id"
)

// WithSessionID adds the session ID to the context.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// SessionIDFromContext extracts the session ID from the context.
// Returns "default" if not set.
func SessionIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(sessionIDKey).(string); ok && id != "" {
		return id
	}
	return "default"
}

// WithTurnID adds the turn ID to the context.
func WithTurnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, turnIDKey, id)
}

// TurnIDFromContext extracts the turn ID, or "" if not set.
func TurnIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(turnIDKey).(string)
	return id
}

// WithUserID adds the acting user's ID to the context.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

// UserIDFromContext extracts the user ID. Returns "default" if not set.
func UserIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey).(string); ok && id != "" {
		return id
	}
	return "default"
}

// WithInvocationID adds the per-call invocation ID to the context.
// State-changing handlers key their idempotency on it: replaying the
// same invocation ID must not repeat the side effect.
func WithInvocationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, invocationIDKey, id)
}

// InvocationIDFromContext extracts the invocation ID, or "" if not set.
func InvocationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(invocationIDKey).(string)
	return id
}
