package sl

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(&buf, "info", "json").Info("hello", Err(errors.New("boom")))
	assert.Contains(t, buf.String(), `"error":"boom"`)

	buf.Reset()
	NewLogger(&buf, "info", "text").Debug("hidden")
	assert.Empty(t, buf.String())
}
