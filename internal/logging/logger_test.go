package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger := New(LevelInfo, FormatJSON, &buf)

	logger.WithFields(map[string]interface{}{
		"fid":   242597,
		"token": "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913",
	}).WithError(errors.New("boom")).Info("engagement skipped")
	require.NoError(t, logger.Sync())

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	assert.Equal(t, "engagement skipped", entry["message"])
	assert.Equal(t, "info", entry["level"])
	assert.EqualValues(t, 242597, entry["fid"])
	assert.Equal(t, "boom", entry["error"])
	assert.Contains(t, entry, "timestamp")
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(LevelWarn, FormatText, &buf)

	logger.Info("hidden")
	logger.Debugf("hidden %d", 1)
	logger.Warn("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.True(t, strings.Contains(out, "shown"))
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	logger := New(LevelDebug, FormatJSON, &buf)

	ctx := WithLogger(context.Background(), logger)
	assert.Same(t, logger, FromContext(ctx))

	assert.NotNil(t, FromContext(context.Background()))
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   LevelDebug,
		"info":    LevelInfo,
		"warning": LevelWarn,
		"error":   LevelError,
		"bogus":   LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLogLevel(in), in)
	}

	assert.Equal(t, FormatText, ParseLogFormat("console"))
	assert.Equal(t, FormatJSON, ParseLogFormat("xml"))
}
