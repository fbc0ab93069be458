package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), tt.in)
	}
}

func TestNewFormats(t *testing.T) {
	var buf bytes.Buffer
	New("info", "JSON", &buf).Info("trial timed out", "trial_id", 3, "limit", 1500*time.Millisecond)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), buf.String())
	assert.Equal(t, float64(3), entry["trial_id"])
	assert.Equal(t, "1.5s", entry["limit"])

	buf.Reset()
	New("info", "text", &buf).Info("hello", "wait", 2*time.Second)
	assert.Contains(t, buf.String(), "msg=hello")
	assert.Contains(t, buf.String(), "wait=2s")
}

func TestSetupFiltersLevels(t *testing.T) {
	prev := Default
	t.Cleanup(func() { SetDefault(prev) })

	var buf bytes.Buffer
	Setup("warn", "text", &buf)
	Info("hidden")
	Warn("shown")
	Error("also shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "also shown")
}

func TestComponentAndWith(t *testing.T) {
	prev := Default
	t.Cleanup(func() { SetDefault(prev) })

	var buf bytes.Buffer
	Setup("info", "json", &buf)
	Component("scheduler").Info("tick", "running", 2)
	With("run_id", "run-1").Info("started")

	out := buf.String()
	assert.Contains(t, out, `"component":"scheduler"`)
	assert.Contains(t, out, `"running":2`)
	assert.Contains(t, out, `"run_id":"run-1"`)
}
