package infrastructure

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

	"metrofleet/internal/config"
)

func TestNewLoggerWritesJSONFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "nested", "test.log")

	logger, closeFn, err := NewLogger(config.LoggingConfig{
		Level:    "info",
		Format:   "json",
		Output:   "file",
		FilePath: logFile,
	})
	require.NoError(t, err)
	require.NotNil(t, logger)

	ctx := WithTraceID(context.Background(), "trace-123")
	logger.InfoContext(ctx, "asset materialized", slog.String("asset", "raw_weather"))
	logger.DebugContext(ctx, "filtered out")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "asset materialized", entry["msg"])
	assert.Equal(t, "raw_weather", entry["asset"])
	assert.Equal(t, "trace-123", entry["trace_id"])
}

func TestTraceHandlerPreservedThroughWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraceHandler(slog.NewJSONHandler(&buf, nil)))
	logger = WithComponent(logger, "scheduler").WithGroup("run")

	logger.InfoContext(WithTraceID(context.Background(), "abc"), "hello", slog.Int("n", 1))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "scheduler", entry["component"])
	// attrs added after WithGroup are nested under the group
	group, ok := entry["run"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "abc", group["trace_id"])
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLogLevel(in), in)
	}
}

func TestWithRunIDSetsTraceID(t *testing.T) {
	id := NewRunID()
	assert.Len(t, id, 36)

	ctx := WithRunID(context.Background(), id)
	assert.Equal(t, id, GetRunID(ctx))
	assert.Equal(t, id, GetTraceID(ctx))
	assert.Empty(t, GetRunID(context.Background()))
}
