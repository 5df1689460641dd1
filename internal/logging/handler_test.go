package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"trace", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewHandler_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler("json", slog.LevelInfo, &buf))

	logger.Debug("hidden")
	logger.Error("failed to persist request data", "step", "patch")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "patch", entry["step"])
	assert.Equal(t, "ERROR", entry["level"])
}

func TestNewHandler_TextHasNoColourOffTerminal(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler("text", slog.LevelDebug, &buf))

	logger.Info("filter rules reloaded", "rules", 3)

	out := buf.String()
	assert.Contains(t, out, "filter rules reloaded")
	assert.Contains(t, out, "rules=3")
	assert.NotContains(t, out, "\033[")
}
