package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})
	logger.Info("hello", slog.String("k", "v"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "v", entry["k"])
}

func TestNew_DefaultsToJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Output: &buf})
	logger.Info("x")
	assert.Contains(t, buf.String(), `"msg":"x"`)
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"trace": LevelTrace,
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseLevel(in), in)
	}
}

func TestFromEnv_Debug(t *testing.T) {
	t.Setenv("ABLAUF_DEBUG", "1")
	cfg := FromEnv()
	assert.Equal(t, "debug", cfg.Level)
	assert.True(t, cfg.AddSource)
}

func TestWithInstanceContext(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Output: &buf})
	logger = WithInstanceContext(logger, "inst-1", "approval")
	logger.Info("ping")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "inst-1", entry[InstanceIDKey])
	assert.Equal(t, "approval", entry[WorkflowTypeKey])
}

func TestSanitizeSecret(t *testing.T) {
	assert.Equal(t, "[REDACTED]", SanitizeSecret("super-secret-value"))
}

func TestTrace_GatedByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Output: &buf})
	Trace(logger, "should not appear")
	assert.Empty(t, buf.String())

	buf.Reset()
	logger = New(&Config{Level: "trace", Output: &buf})
	Trace(logger, "should appear")
	assert.Contains(t, buf.String(), "should appear")
}
