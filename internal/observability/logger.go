// Package observability provides structured logging and metrics collection.
//
// Logger wraps log/slog with per-component context fields.
// MetricsCollector tracks operation counters, latencies, and sweep results.
package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// Logger wraps slog with a persistent component name.
type Logger struct {
	mu        sync.RWMutex
	inner     *slog.Logger
	component string
	fields    []slog.Attr
}

// NewLogger creates a structured logger for a given component.
// Output defaults to os.Stderr if w is nil.
func NewLogger(component string, w io.Writer) *Logger {
	return NewLoggerLevel(component, w, slog.LevelDebug)
}

// NewLoggerLevel creates a structured logger with an explicit minimum level.
func NewLoggerLevel(component string, w io.Writer, level slog.Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		inner:     slog.New(handler),
		component: component,
	}
}

// NewLoggerWithHandler creates a logger with a custom slog handler.
func NewLoggerWithHandler(component string, h slog.Handler) *Logger {
	return &Logger{
		inner:     slog.New(h),
		component: component,
	}
}

// Nop returns a logger that discards everything. Library code uses it as
// the default so callers opt in to output rather than out of it.
func Nop() *Logger {
	return &Logger{
		inner:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		component: "nop",
	}
}

// ParseLevel maps a config string to a slog level. Unknown strings map to
// info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a new Logger with additional persistent fields.
func (l *Logger) With(key string, value any) *Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &Logger{
		inner:     l.inner.With(slog.Any(key, value)),
		component: l.component,
		fields:    append(l.fields, slog.Any(key, value)),
	}
}

// WithComponent returns a new Logger scoped to a sub-component, sharing the
// same handler.
func (l *Logger) WithComponent(name string) *Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &Logger{
		inner:     l.inner,
		component: name,
		fields:    l.fields,
	}
}

// attrs prepends the component name to the arguments.
func (l *Logger) attrs(msg string, args []any) (string, []any) {
	return msg, append([]any{slog.String("component", l.component)}, args...)
}

// Debug logs at DEBUG level.
func (l *Logger) Debug(msg string, args ...any) {
	msg, args = l.attrs(msg, args)
	l.inner.Debug(msg, args...)
}

// Info logs at INFO level.
func (l *Logger) Info(msg string, args ...any) {
	msg, args = l.attrs(msg, args)
	l.inner.Info(msg, args...)
}

// Warn logs at WARN level.
func (l *Logger) Warn(msg string, args ...any) {
	msg, args = l.attrs(msg, args)
	l.inner.Warn(msg, args...)
}

// Error logs at ERROR level.
func (l *Logger) Error(msg string, args ...any) {
	msg, args = l.attrs(msg, args)
	l.inner.Error(msg, args...)
}

// Op logs a completed store operation with its key and duration.
func (l *Logger) Op(op, key string, dur time.Duration, args ...any) {
	allArgs := append([]any{
		slog.String("component", l.component),
		slog.String("op", op),
		slog.String("key", key),
		slog.Int64("duration_ms", dur.Milliseconds()),
	}, args...)
	l.inner.Debug("op", allArgs...)
}

// Sweep logs the result of an expired-row sweep.
func (l *Logger) Sweep(deleted int64, dur time.Duration, args ...any) {
	allArgs := append([]any{
		slog.String("component", l.component),
		slog.Int64("deleted", deleted),
		slog.Int64("duration_ms", dur.Milliseconds()),
	}, args...)
	l.inner.Info("sweep", allArgs...)
}

// Component returns the component name associated with this logger.
func (l *Logger) Component() string {
	return l.component
}
