package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// EnvLogLevel overrides the configured log level.
const EnvLogLevel = "WIKIFLOW_LOG_LEVEL"

// NewLogger creates a structured JSON logger on stdout tagged with component.
// level may be a slog.Level or a *slog.LevelVar for runtime adjustment.
func NewLogger(component string, level slog.Leveler) *slog.Logger {
	return NewLoggerTo(os.Stdout, component, level)
}

// NewLoggerTo is NewLogger writing to w.
func NewLoggerTo(w io.Writer, component string, level slog.Leveler) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(handler).With("component", component)
}

// TraceLogger wraps a logger to add trace_id and span_id from the context.
type TraceLogger struct {
	logger *slog.Logger
}

// NewTraceLogger creates a new TraceLogger.
func NewTraceLogger(logger *slog.Logger) *TraceLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &TraceLogger{logger: logger}
}

// WithTraceContext returns a logger with trace_id and span_id attributes if a
// valid span exists in ctx.
func (l *TraceLogger) WithTraceContext(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return l.logger
	}
	return l.logger.With(
		"trace_id", sc.TraceID().String(),
		"span_id", sc.SpanID().String(),
	)
}

func (l *TraceLogger) Debug(ctx context.Context, msg string, args ...any) {
	l.WithTraceContext(ctx).Debug(msg, args...)
}

func (l *TraceLogger) Info(ctx context.Context, msg string, args ...any) {
	l.WithTraceContext(ctx).Info(msg, args...)
}

func (l *TraceLogger) Warn(ctx context.Context, msg string, args ...any) {
	l.WithTraceContext(ctx).Warn(msg, args...)
}

func (l *TraceLogger) Error(ctx context.Context, msg string, args ...any) {
	l.WithTraceContext(ctx).Error(msg, args...)
}

// ParseLogLevel parses a log level string into slog.Level.
// Accepts: debug, info, warn, error (case-insensitive).
// Returns LevelInfo if the input is invalid or empty.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// GetLogLevel returns the effective log level. WIKIFLOW_LOG_LEVEL takes
// precedence over the configured value.
func GetLogLevel(configured string) slog.Level {
	if envLevel := os.Getenv(EnvLogLevel); envLevel != "" {
		return ParseLogLevel(envLevel)
	}
	return ParseLogLevel(configured)
}
