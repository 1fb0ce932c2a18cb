package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type connIDKey struct{}
type principalKey struct{}

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

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithConnID attaches the relay connection id to the context.
func WithConnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, connIDKey{}, id)
}

// ConnID extracts the connection id. Returns "" if absent.
func ConnID(ctx context.Context) string {
	if v, ok := ctx.Value(connIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithPrincipal attaches the authenticated principal's display form.
func WithPrincipal(ctx context.Context, p string) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// Principal extracts the principal. Returns "" before authentication.
func Principal(ctx context.Context) string {
	if v, ok := ctx.Value(principalKey{}).(string); ok {
		return v
	}
	return ""
}

// LogAttrs returns the context identifiers as slog key/value pairs.
func LogAttrs(ctx context.Context) []any {
	attrs := []any{"trace_id", TraceID(ctx)}
	if id := ConnID(ctx); id != "" {
		attrs = append(attrs, "conn_id", id)
	}
	if p := Principal(ctx); p != "" {
		attrs = append(attrs, "principal", p)
	}
	return attrs
}
