// Package logger configures the process-wide log/slog logger and carries
// trace ids through context.Context. Every service logs JSON to stdout
// tagged with its service name; packages derive their loggers with
// Component so each line also names the subsystem that wrote it.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

type ctxKey struct{}

// Init installs a JSON logger on stdout as the slog default and returns it.
func Init(service string, level slog.Level) *slog.Logger {
	l := New(os.Stdout, service, level)
	slog.SetDefault(l)
	return l
}

// New builds a JSON logger on w without touching the default.
func New(w io.Writer, service string, level slog.Leveler) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(h).With(slog.String("service", service))
}

// ParseLevel maps debug, warn/warning and error to their slog levels.
// Anything else is info.
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

// Component returns the default logger tagged with a component attribute.
// It reads slog.Default at call time, so loggers taken before Init keep the
// pre-Init handler.
func Component(name string) *slog.Logger {
	return slog.Default().With(slog.String("component", name))
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, traceID)
}

// TraceID returns the context's trace id or "".
func TraceID(ctx context.Context) string {
	v, _ := ctx.Value(ctxKey{}).(string)
	return v
}

// GenerateTraceID derives a trace id from a job key and its start time,
// e.g. "u42:ai_trigger_analysis-1700000000000000000".
func GenerateTraceID(key string, ts time.Time) string {
	return fmt.Sprintf("%s-%d", key, ts.UnixNano())
}

// LogWithTrace returns the trace_id attribute for ctx, or nil.
//
//	log.Info("job done", logger.LogWithTrace(ctx)...)
func LogWithTrace(ctx context.Context) []any {
	if tid := TraceID(ctx); tid != "" {
		return []any{slog.String("trace_id", tid)}
	}
	return nil
}
