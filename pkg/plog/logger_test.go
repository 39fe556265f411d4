package plog

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(slog.LevelInfo, &buf)

	l.Debug("hidden")
	l.Info("shown", "job", "Batch-0-0/1")
	l.Warn("careful")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown job=Batch-0-0/1")
	assert.Contains(t, out, "⚠️  careful")
}

func TestLoggerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(slog.LevelDebug, &buf).With("runner", "local")

	l.Debug("started", "channels", 3)

	line := strings.TrimSpace(buf.String())
	assert.Equal(t, "🔍 started runner=local, channels=3", line)
}

func TestLoggerQuotingAndGroups(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(slog.LevelInfo, &buf)

	l.WithGroup("job").Info("failed", "error", "exit status 1", "index", 2)
	l.Info("copied", slog.Group("bytes", "sent", 10, "received", 20), "path", "")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Equal(t, `ℹ️  failed job.error="exit status 1", job.index=2`, lines[0])
	assert.Equal(t, `ℹ️  copied bytes.sent=10, bytes.received=20, path=""`, lines[1])
}

func TestLoggerTimestamps(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, Options{Level: slog.LevelDebug, Timestamps: true}).Debug("tick")
	assert.Regexp(t, `^\d{2}:\d{2}:\d{2}\.\d{3} 🔍 tick\n$`, buf.String())
}

func TestContextRoundTrip(t *testing.T) {
	l := NewQuiet()
	ctx := WithLogger(context.Background(), l)
	assert.Same(t, l, FromContext(ctx))
	assert.NotNil(t, FromContext(context.Background()))
}
