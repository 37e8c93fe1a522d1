// ABOUTME: Tests for the colorized slog handler
// ABOUTME: Checks level filtering, attrs and group prefixes

package main

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"

	"github.com/2389/mothership-gateway/internal/config"
)

func TestColorHandler(t *testing.T) {
	color.NoColor = true

	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "info", Format: "text"}, &buf)

	logger.Debug("hidden")
	logger.With("component", "registry").WithGroup("conn").Info("bound", "agent_id", "a1")
	logger.Warn("slow", slog.Group("send", slog.Int("ms", 12)))

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "INF bound component=registry conn.agent_id=a1")
	assert.Contains(t, out, "WRN slow send.ms=12")
}

func TestSetupLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)

	logger.Debug("visible", "k", "v")
	assert.Contains(t, buf.String(), `"msg":"visible"`)
	assert.Contains(t, buf.String(), `"k":"v"`)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}
