package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func decodeLine(t *testing.T, line string) map[string]any {
	t.Helper()

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &entry))

	return entry
}

// TestTraceHandler_NoSpanContext verifies that logs without span context
// do NOT include trace_id or span_id fields.
func TestTraceHandler_NoSpanContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraceHandler(slog.NewJSONHandler(&buf, &slog.HandlerOptions{})))

	logger.InfoContext(context.Background(), "test message", "key", "value")

	entry := decodeLine(t, buf.String())
	assert.NotContains(t, entry, "trace_id")
	assert.NotContains(t, entry, "span_id")
	assert.Equal(t, "test message", entry["msg"])
	assert.Equal(t, "value", entry["key"])
}

// TestTraceHandler_WithValidSpan verifies trace fields are injected from a valid span context.
func TestTraceHandler_WithValidSpan(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraceHandler(slog.NewJSONHandler(&buf, &slog.HandlerOptions{})))

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)

	spanCtx := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})
	ctx := trace.ContextWithSpanContext(context.Background(), spanCtx)

	logger.InfoContext(ctx, "with span")

	entry := decodeLine(t, buf.String())
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", entry["trace_id"])
	assert.Equal(t, "00f067aa0ba902b7", entry["span_id"])
}

func TestTraceHandler_ContextAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraceHandler(slog.NewJSONHandler(&buf, &slog.HandlerOptions{})))

	ctx := WithAttrs(context.Background(), slog.Int64("item_id", 7))
	ctx = WithAttrs(ctx, slog.String("group", "books"))

	logger.InfoContext(ctx, "processing")

	entry := decodeLine(t, buf.String())
	assert.InDelta(t, 7, entry["item_id"], 0)
	assert.Equal(t, "books", entry["group"])
}

func TestWithAttrs_DoesNotLeakIntoParent(t *testing.T) {
	parent := WithAttrs(context.Background(), slog.String("a", "1"))
	child := WithAttrs(parent, slog.String("b", "2"))

	assert.Len(t, AttrsFromContext(parent), 1)
	assert.Len(t, AttrsFromContext(child), 2)
	assert.Equal(t, parent, WithAttrs(parent))
}

func TestTraceHandler_Enabled(t *testing.T) {
	h := NewTraceHandler(slog.NewJSONHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn}))

	assert.False(t, h.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, h.Enabled(context.Background(), slog.LevelError))
}

func TestTraceHandler_WithGroup(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraceHandler(slog.NewJSONHandler(&buf, &slog.HandlerOptions{})))

	logger.WithGroup("relay").With("key", "a/b").Info("uploaded")

	entry := decodeLine(t, buf.String())
	group, ok := entry["relay"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "a/b", group["key"])
}

func TestTraceHandler_NilHandler(t *testing.T) {
	assert.Panics(t, func() { NewTraceHandler(nil) })
}

func TestLoggerFromContext_Default(t *testing.T) {
	assert.Equal(t, slog.Default(), LoggerFromContext(context.Background()))

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	assert.Equal(t, logger, LoggerFromContext(WithLogger(context.Background(), logger)))
}

func TestNewLogger_FansOutToFile(t *testing.T) {
	var stdout bytes.Buffer
	logPath := filepath.Join(t.TempDir(), "relay.log")

	logger, closeFn, err := NewLogger(Options{Level: slog.LevelInfo, Stdout: &stdout, FilePath: logPath})
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("run started", "run_id", "abc")
	require.NoError(t, closeFn())

	contents, err := os.ReadFile(logPath)
	require.NoError(t, err)

	for _, out := range []string{stdout.String(), string(contents)} {
		lines := strings.Split(strings.TrimSpace(out), "\n")
		require.Len(t, lines, 1)
		assert.Equal(t, "abc", decodeLine(t, lines[0])["run_id"])
	}
}

func TestNewLogger_BadFilePath(t *testing.T) {
	_, _, err := NewLogger(Options{FilePath: filepath.Join(t.TempDir(), "missing", "relay.log")})
	require.Error(t, err)
}
