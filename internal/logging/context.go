package logging

import (
	"context"
	"log/slog"
)

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldJobID is the standardized structured logging key for job identifiers.
	FieldJobID = "job_id"
	// FieldSource is the standardized structured logging key for download source tags.
	FieldSource = "source"
	// FieldCorrelationID is the standardized structured logging key for request correlation identifiers.
	FieldCorrelationID = "correlation_id"
	// FieldEventType is the standardized structured logging key for machine-readable event names.
	FieldEventType = "event_type"
	// FieldErrorHint is the standardized structured logging key for operator guidance on failures.
	FieldErrorHint = "error_hint"
)

type contextKey struct{}

// WithFields returns a context carrying attrs that WithContext applies to loggers.
func WithFields(ctx context.Context, attrs ...Attr) context.Context {
	existing, _ := ctx.Value(contextKey{}).([]Attr)
	merged := make([]Attr, 0, len(existing)+len(attrs))
	merged = append(merged, existing...)
	merged = append(merged, attrs...)
	return context.WithValue(ctx, contextKey{}, merged)
}

// WithContext decorates logger with any attrs stored on the context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	attrs, _ := ctx.Value(contextKey{}).([]Attr)
	if len(attrs) == 0 {
		return logger
	}
	return logger.With(Args(attrs...)...)
}
