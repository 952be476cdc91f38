package shared

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

type traceKey struct{}

// WithTraceID attaches a trace_id to the context. The control API mints
// one per boundary operation; everything spawned from that operation
// (connection actors, scheduling loops) inherits it through the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts the trace_id from ctx. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID mints a fresh trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// LoggerWith returns logger carrying the context's trace_id, so every
// line produced downstream of one API call correlates.
func LoggerWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("trace_id", TraceID(ctx))
}
