package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("verbose"))
}

func TestNewWithFormat_JSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithFormat("info", "json", &buf)
	log.Debug("hidden")
	log.Info("queued", "message_id", "m-1")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "queued", entry["msg"])
	assert.Equal(t, "m-1", entry["message_id"])
}

func TestNewWithFormat_Text(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithFormat("debug", "text", &buf)
	log.Debug("tick")
	assert.Contains(t, buf.String(), "msg=tick")
}
