package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/crytic/forkdb/logging/colors"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestAddAndRemoveWriter will test the Logger.AddWriter and Logger.RemoveWriter functions to ensure that they work
// as expected.
func TestAddAndRemoveWriter(t *testing.T) {
	logger := NewLogger(zerolog.InfoLevel, false)

	var structured, unstructured bytes.Buffer
	logger.AddWriter(&structured, STRUCTURED)
	logger.AddWriter(&unstructured, UNSTRUCTURED)
	assert.Len(t, logger.sink.writers, 2)

	// Try to add duplicate writers
	logger.AddWriter(&structured, STRUCTURED)
	logger.AddWriter(&unstructured, UNSTRUCTURED)
	assert.Len(t, logger.sink.writers, 2)

	logger.Info("foo")
	assert.Contains(t, structured.String(), `"message":"foo"`)
	assert.Contains(t, unstructured.String(), "foo")

	// Remove each writer
	logger.RemoveWriter(&structured)
	logger.RemoveWriter(&unstructured)
	assert.Len(t, logger.sink.writers, 0)

	structured.Reset()
	logger.Info("bar")
	assert.Empty(t, structured.String())
}

// TestSubLoggerFields ensures sub-loggers tag their events and share their parent's writers and level.
func TestSubLoggerFields(t *testing.T) {
	logger := NewLogger(zerolog.InfoLevel, false)
	sub := logger.NewSubLogger("module", "fork").NewSubLogger("fork", "abcd1234")

	// writers added after the sub-logger was created still receive its events
	var buf bytes.Buffer
	logger.AddWriter(&buf, STRUCTURED)

	sub.Info("opened ", 3, " connections", StructuredLogInfo{"block": 100})
	var event map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &event))
	assert.Equal(t, "fork", event["module"])
	assert.Equal(t, "abcd1234", event["fork"])
	assert.Equal(t, "opened 3 connections", event["message"])
	assert.Equal(t, map[string]any{"block": float64(100)}, event["info"])

	// raising the level on the parent silences the sub-logger
	buf.Reset()
	logger.SetLevel(zerolog.WarnLevel)
	assert.Equal(t, zerolog.WarnLevel, sub.Level())
	sub.Info("dropped")
	assert.Empty(t, buf.String())

	sub.Warn("kept")
	assert.Contains(t, buf.String(), "kept")
}

// TestErrorsAttached ensures errors passed as arguments are attached to the event rather than the message.
func TestErrorsAttached(t *testing.T) {
	logger := NewLogger(zerolog.InfoLevel, false)
	var buf bytes.Buffer
	logger.AddWriter(&buf, STRUCTURED)

	logger.Error("request failed", errors.New("connection reset"))
	var event map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &event))
	assert.Equal(t, "request failed", event["message"])
	assert.Equal(t, "connection reset", event["error"])
	assert.Equal(t, "error", event["level"])
}

// TestDisabledColors verifies that unstructured output never includes colors, while the console message is built
// with them.
func TestDisabledColors(t *testing.T) {
	logger := NewLogger(zerolog.InfoLevel, false)
	var buf bytes.Buffer
	logger.AddWriter(&buf, UNSTRUCTURED)

	logger.Info(colors.Red, "foo", colors.Reset, "bar")
	assert.Contains(t, buf.String(), "foobar")
	assert.False(t, strings.Contains(buf.String(), "\x1b["))
}
