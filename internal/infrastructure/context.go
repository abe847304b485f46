package infrastructure

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

type contextKey string

// TraceIDContextKey carries the request correlation ID
const TraceIDContextKey contextKey = "trace_id"

// WithTraceID returns a context carrying traceID
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDContextKey, traceID)
}

// GetTraceID returns the correlation ID stored by WithTraceID, or the trace
// ID of the active span when none was stored
func GetTraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if traceID, ok := ctx.Value(TraceIDContextKey).(string); ok && traceID != "" {
		return traceID
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// spanID returns the active span ID, if any
func spanID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasSpanID() {
		return sc.SpanID().String()
	}
	return ""
}
