package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type turnIDKey struct{}
type sessionKeyKey struct{}
type platformKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

func NewTraceID() string {
	return uuid.NewString()
}

// WithTurnID attaches the id of the turn being answered.
func WithTurnID(ctx context.Context, turnID string) context.Context {
	return context.WithValue(ctx, turnIDKey{}, turnID)
}

// TurnID extracts turn_id from context. Returns "" if absent.
func TurnID(ctx context.Context) string {
	if v, ok := ctx.Value(turnIDKey{}).(string); ok {
		return v
	}
	return ""
}

func NewTurnID() string {
	return uuid.NewString()
}

// WithSessionKey attaches the conversation key to the context.
func WithSessionKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, sessionKeyKey{}, key)
}

// SessionKey extracts session_key from context. Returns "" if absent.
func SessionKey(ctx context.Context) string {
	if v, ok := ctx.Value(sessionKeyKey{}).(string); ok {
		return v
	}
	return ""
}

func WithPlatform(ctx context.Context, platform string) context.Context {
	return context.WithValue(ctx, platformKey{}, platform)
}

func Platform(ctx context.Context) string {
	if v, ok := ctx.Value(platformKey{}).(string); ok {
		return v
	}
	return ""
}

// LogAttrs returns the correlation fields carried by ctx as slog key/value
// pairs.
func LogAttrs(ctx context.Context) []any {
	attrs := []any{"trace_id", TraceID(ctx)}
	if id := TurnID(ctx); id != "" {
		attrs = append(attrs, "turn_id", id)
	}
	if key := SessionKey(ctx); key != "" {
		attrs = append(attrs, "session_key", key)
	}
	if p := Platform(ctx); p != "" {
		attrs = append(attrs, "platform", p)
	}
	return attrs
}
