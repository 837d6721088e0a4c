package types

import (
	"context"
	"log/slog"
	"time"
)

// LogContext represents common context for all log entries
type LogContext struct {
	Component string         `json:"component"`
	Operation string         `json:"operation"`
	BatchID   string         `json:"batch_id,omitempty"`
	ImageID   string         `json:"image_id,omitempty"`
	Duration  time.Duration  `json:"duration,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// StandardLogger provides consistent logging methods across the application
type StandardLogger struct {
	logger *slog.Logger
	ctx    LogContext
}

// NewStandardLogger creates a new StandardLogger with base context
func NewStandardLogger(component string) *StandardLogger {
	return &StandardLogger{
		logger: slog.Default(),
		ctx: LogContext{
			Component: component,
			Metadata:  make(map[string]any),
		},
	}
}

// WithLogger returns a copy writing to a different slog.Logger
func (l *StandardLogger) WithLogger(logger *slog.Logger) *StandardLogger {
	return &StandardLogger{
		logger: logger,
		ctx:    l.ctx,
	}
}

// WithOperation returns a new logger with operation context
func (l *StandardLogger) WithOperation(operation string) *StandardLogger {
	newCtx := l.ctx
	newCtx.Operation = operation
	return &StandardLogger{
		logger: l.logger,
		ctx:    newCtx,
	}
}

// WithBatchID returns a new logger with batch ID context
func (l *StandardLogger) WithBatchID(batchID string) *StandardLogger {
	newCtx := l.ctx
	newCtx.BatchID = batchID
	return &StandardLogger{
		logger: l.logger,
		ctx:    newCtx,
	}
}

// WithImageID returns a new logger with image ID context
func (l *StandardLogger) WithImageID(imageID string) *StandardLogger {
	newCtx := l.ctx
	newCtx.ImageID = imageID
	return &StandardLogger{
		logger: l.logger,
		ctx:    newCtx,
	}
}

// WithDuration returns a new logger with duration context
func (l *StandardLogger) WithDuration(duration time.Duration) *StandardLogger {
	newCtx := l.ctx
	newCtx.Duration = duration
	return &StandardLogger{
		logger: l.logger,
		ctx:    newCtx,
	}
}

// WithMetadata returns a new logger with additional metadata
func (l *StandardLogger) WithMetadata(key string, value any) *StandardLogger {
	newCtx := l.ctx
	newMetadata := make(map[string]any, len(l.ctx.Metadata)+1)
	for k, v := range l.ctx.Metadata {
		newMetadata[k] = v
	}
	newMetadata[key] = value
	newCtx.Metadata = newMetadata
	return &StandardLogger{
		logger: l.logger,
		ctx:    newCtx,
	}
}

// buildLogArgs creates slog attributes from context
func (l *StandardLogger) buildLogArgs() []slog.Attr {
	var attrs []slog.Attr

	attrs = append(attrs, slog.String("component", l.ctx.Component))

	if l.ctx.Operation != "" {
		attrs = append(attrs, slog.String("operation", l.ctx.Operation))
	}
	if l.ctx.BatchID != "" {
		attrs = append(attrs, slog.String("batch_id", l.ctx.BatchID))
	}
	if l.ctx.ImageID != "" {
		attrs = append(attrs, slog.String("image_id", l.ctx.ImageID))
	}
	if l.ctx.Duration > 0 {
		attrs = append(attrs, slog.Duration("duration", l.ctx.Duration))
	}

	for k, v := range l.ctx.Metadata {
		attrs = append(attrs, slog.Any(k, v))
	}

	return attrs
}

// Debug logs a debug message with standard context
func (l *StandardLogger) Debug(ctx context.Context, msg string, args ...slog.Attr) {
	allArgs := append(l.buildLogArgs(), args...)
	l.logger.LogAttrs(ctx, slog.LevelDebug, msg, allArgs...)
}

// Info logs an info message with standard context
func (l *StandardLogger) Info(ctx context.Context, msg string, args ...slog.Attr) {
	allArgs := append(l.buildLogArgs(), args...)
	l.logger.LogAttrs(ctx, slog.LevelInfo, msg, allArgs...)
}

// Warn logs a warning message with standard context
func (l *StandardLogger) Warn(ctx context.Context, msg string, args ...slog.Attr) {
	allArgs := append(l.buildLogArgs(), args...)
	l.logger.LogAttrs(ctx, slog.LevelWarn, msg, allArgs...)
}

// Error logs an error message with standard context
func (l *StandardLogger) Error(ctx context.Context, msg string, err error, args ...slog.Attr) {
	allArgs := append(l.buildLogArgs(), args...)
	allArgs = append(allArgs, slog.Any("error", err))
	l.logger.LogAttrs(ctx, slog.LevelError, msg, allArgs...)
}

// LogUnitStart logs the dispatch of one image × extractor work unit
func (l *StandardLogger) LogUnitStart(ctx context.Context, extractor, imageID string) {
	l.WithOperation("unit_start").
		WithImageID(imageID).
		WithMetadata("extractor", extractor).
		Debug(ctx, "Starting work unit")
}

// LogUnitComplete logs the completion of a work unit with its observation count
func (l *StandardLogger) LogUnitComplete(ctx context.Context, extractor, imageID string, observations int, duration time.Duration) {
	l.WithOperation("unit_complete").
		WithImageID(imageID).
		WithDuration(duration).
		WithMetadata("extractor", extractor).
		WithMetadata("observations", observations).
		Debug(ctx, "Work unit completed")
}

// LogUnitError logs a skipped work unit
func (l *StandardLogger) LogUnitError(ctx context.Context, extractor, imageID string, err error) {
	l.WithOperation("unit_error").
		WithImageID(imageID).
		WithMetadata("extractor", extractor).
		Error(ctx, "Work unit skipped", err)
}

// LogDiagnostic logs a graph or aggregation warning
func (l *StandardLogger) LogDiagnostic(ctx context.Context, d Diagnostic) {
	logger := l.WithOperation("diagnostic").WithMetadata("kind", string(d.Kind))
	if d.TokenID != "" {
		logger = logger.WithMetadata("token_id", d.TokenID)
	}
	if d.ImageID != "" {
		logger = logger.WithImageID(d.ImageID)
	}
	logger.Warn(ctx, d.Message)
}

// LogSystemEvent logs system-level events (startup, shutdown, etc.)
func (l *StandardLogger) LogSystemEvent(ctx context.Context, event string, details map[string]any) {
	logger := l.WithOperation("system_event").WithMetadata("event", event)
	for k, v := range details {
		logger = logger.WithMetadata(k, v)
	}
	logger.Info(ctx, "System event occurred")
}
