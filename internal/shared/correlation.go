package shared

import (
	"context"

	"github.com/google/uuid"
)

type correlationKey struct{}
type userIDKey struct{}
type chatIDKey struct{}

// WithCorrelationID attaches a correlation_id to the context.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationKey{}, correlationID)
}

// CorrelationID extracts correlation_id from context. Returns "" if absent.
func CorrelationID(ctx context.Context) string {
	if v, ok := ctx.Value(correlationKey{}).(string); ok {
		return v
	}
	return ""
}

// EnsureCorrelation returns a context that carries a correlation_id,
// minting a fresh one when the caller did not provide any.
func EnsureCorrelation(ctx context.Context) (context.Context, string) {
	if id := CorrelationID(ctx); id != "" {
		return ctx, id
	}
	id := NewCorrelationID()
	return WithCorrelationID(ctx, id), id
}

// NewCorrelationID generates a new correlation_id.
func NewCorrelationID() string {
	return uuid.NewString()
}

// WithUserID attaches the internal user id to the context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// UserID extracts the internal user id from context. Returns "" if absent.
func UserID(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithChatID attaches a chat id to the context.
func WithChatID(ctx context.Context, chatID int64) context.Context {
	return context.WithValue(ctx, chatIDKey{}, chatID)
}

// ChatID extracts a chat id from context. Returns 0 if absent.
func ChatID(ctx context.Context) int64 {
	if v, ok := ctx.Value(chatIDKey{}).(int64); ok {
		return v
	}
	return 0
}
