package logging

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeKey() string { return "sk-" + "TESTONLYxxxxxxxx1234" }

func TestLoggerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(Config{Level: "debug"}, &buf)
	require.NoError(t, err)
	defer closer.Close()

	logger.Info().Str("secret", "hunter2-value").Str("profile_id", "p1").Msg("calling with " + fakeKey())
	out := buf.String()
	assert.NotContains(t, out, fakeKey())
	assert.NotContains(t, out, "hunter2-value")
	assert.Contains(t, out, `"profile_id":"p1"`)
	assert.Contains(t, out, `"secret":"[REDACTED]"`)
	assert.Contains(t, out, `"contains_filtered_data":true`)
}

func TestLoggerWritesRotatingFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "studio.log")
	logger, closer, err := New(Config{Level: "info", File: path}, &buf)
	require.NoError(t, err)
	logger.Debug().Msg("hidden")
	logger.Info().Msg("visible")
	require.NoError(t, closer.Close())
	assert.Contains(t, buf.String(), "visible")
	assert.NotContains(t, buf.String(), "hidden")
	assert.FileExists(t, path)
}

func TestInvalidLevel(t *testing.T) {
	_, _, err := New(Config{Level: "loud"}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "auth "+RedactedValue, Redact("auth Bearer abcdefghijklmnopqrstu"))
	assert.Equal(t, "plain text", Redact("plain text"))
}
