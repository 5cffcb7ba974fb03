package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestFromContextAddsIDs(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	SetupWriter(&buf, "info", "json")

	ctx := WithJob(WithTrip(context.Background(), "6f1c"), 42)
	FromContext(ctx).Info("batch flushed")

	out := buf.String()
	assert.Contains(t, out, `"trip_id":"6f1c"`)
	assert.Contains(t, out, `"job_id":42`)
	assert.NotContains(t, out, "request_id")
}

func TestWithFields(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	SetupWriter(&buf, "debug", "text")

	WithFields(context.Background(), "file", "trackLog.csv").Debug("ingest started")
	assert.Contains(t, buf.String(), "file=trackLog.csv")
}
