// Package logging provides structured logging configuration using log/slog.
//
// Loggers obtained through FromContext carry whatever correlation IDs the
// context holds: the chi request ID on the ops server, and the trip and job
// IDs set by the ingest pipeline and queue worker.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
)

type ctxKey int

const (
	tripKey ctxKey = iota
	jobKey
)

// Setup configures the global slog logger based on level and format.
//
// Level values: "debug", "info", "warn", "error" (default: "info")
// Format values: "text", "json" (default: "text")
func Setup(level, format string) {
	SetupWriter(os.Stdout, level, format)
}

// SetupWriter is Setup with an explicit destination. The CLI logs to stderr
// so report output on stdout stays clean.
func SetupWriter(w io.Writer, level, format string) {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
	}

	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	slog.SetDefault(slog.New(handler))
}

// ParseLevel converts a string log level to slog.Level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// WithTrip returns a context whose loggers include trip_id.
func WithTrip(ctx context.Context, tripID string) context.Context {
	return context.WithValue(ctx, tripKey, tripID)
}

// WithJob returns a context whose loggers include job_id.
func WithJob(ctx context.Context, jobID int64) context.Context {
	return context.WithValue(ctx, jobKey, jobID)
}

// FromContext returns the default logger enriched with any request, trip
// or job ID found in ctx.
//
// Usage:
//
//	logger := logging.FromContext(ctx)
//	logger.Info("batch flushed", "points", n)
func FromContext(ctx context.Context) *slog.Logger {
	logger := slog.Default()

	if reqID := middleware.GetReqID(ctx); reqID != "" {
		logger = logger.With("request_id", reqID)
	}
	if id, ok := ctx.Value(jobKey).(int64); ok {
		logger = logger.With("job_id", id)
	}
	if id, ok := ctx.Value(tripKey).(string); ok && id != "" {
		logger = logger.With("trip_id", id)
	}

	return logger
}

// WithFields returns a logger with additional structured fields.
//
// Usage:
//
//	log := logging.WithFields(ctx, "file", name)
//	log.Info("ingest started")
func WithFields(ctx context.Context, args ...any) *slog.Logger {
	return FromContext(ctx).With(args...)
}
