package infrastructure

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// RunIDContextKey holds the run ID of the materialization a context serves
const RunIDContextKey contextKey = "run_id"

// NewRunID returns a fresh materialization run ID
func NewRunID() string {
	return uuid.NewString()
}

// WithRunID marks ctx as serving one materialization run. The run ID also
// becomes the trace ID, so every log line of the run can be joined on it.
func WithRunID(ctx context.Context, runID string) context.Context {
	ctx = context.WithValue(ctx, RunIDContextKey, runID)
	return WithTraceID(ctx, runID)
}

// GetRunID returns the run ID set by WithRunID, or ""
func GetRunID(ctx context.Context) string {
	if id, ok := ctx.Value(RunIDContextKey).(string); ok {
		return id
	}
	return ""
}

// WithComponent creates a logger with a component field
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(slog.String("component", component))
}
