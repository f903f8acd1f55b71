package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseLines(t *testing.T, buf *bytes.Buffer) []LogEntry {
	t.Helper()
	var entries []LogEntry
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var e LogEntry
		require.NoError(t, json.Unmarshal([]byte(line), &e))
		entries = append(entries, e)
	}
	return entries
}

func TestLevelsFilter(t *testing.T) {
	var buf bytes.Buffer
	log := NewLoggerWithWriter(WARN, &buf)

	log.Debug("hidden")
	log.Info("hidden too")
	log.Warn("shown")
	log.Error("also shown")

	entries := parseLines(t, &buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "WARN", entries[0].Level)
	assert.Equal(t, "ERROR", entries[1].Level)
}

func TestFieldsAndComponent(t *testing.T) {
	var buf bytes.Buffer
	log := NewLoggerWithWriter(INFO, &buf).WithComponent("storage")

	log.Info("opened database", "path", "/tmp/memory.db", "pool", 10)

	entries := parseLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "storage", entries[0].Component)
	assert.Equal(t, "opened database", entries[0].Message)
	assert.Equal(t, "/tmp/memory.db", entries[0].Fields["path"])
	assert.Equal(t, float64(10), entries[0].Fields["pool"])
}

func TestTraceIDFromContext(t *testing.T) {
	var buf bytes.Buffer
	log := NewLoggerWithWriter(INFO, &buf)

	ctx := WithTraceID(context.Background(), "trace-123")
	log.InfoContext(ctx, "handling call")

	entries := parseLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "trace-123", entries[0].TraceID)
}

func TestWithTraceIDGenerates(t *testing.T) {
	ctx := WithTraceID(context.Background(), "")
	assert.NotEmpty(t, GetTraceID(ctx))
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, DEBUG, ParseLogLevel("debug"))
	assert.Equal(t, WARN, ParseLogLevel("WARNING"))
	assert.Equal(t, ERROR, ParseLogLevel("Error"))
	assert.Equal(t, INFO, ParseLogLevel("anything-else"))
}
