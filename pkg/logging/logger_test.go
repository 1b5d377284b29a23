package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureGlobal restores the global logger and level after a test replaced them.
func captureGlobal(t *testing.T) {
	t.Helper()
	logger, level := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = logger
		zerolog.SetGlobalLevel(level)
	})
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("Expected default level info, got %s", cfg.Level)
	}
	if cfg.Pretty {
		t.Error("Expected JSON output by default")
	}
	if cfg.Output == nil {
		t.Error("Expected a default output")
	}
}

func TestSetup_FiltersByLevel(t *testing.T) {
	captureGlobal(t)

	tests := []struct {
		level   LogLevel
		visible []string
	}{
		{LevelDebug, []string{"debug", "info", "warn", "error"}},
		{LevelInfo, []string{"info", "warn", "error"}},
		{LevelWarn, []string{"warn", "error"}},
		{LevelError, []string{"error"}},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			var buf bytes.Buffer
			logger := Setup(Config{Level: tt.level, Output: &buf})

			logger.Debug().Msg("debug")
			logger.Info().Msg("info")
			logger.Warn().Msg("warn")
			logger.Error().Msg("error")

			var got []string
			dec := json.NewDecoder(&buf)
			for dec.More() {
				var line map[string]any
				require.NoError(t, dec.Decode(&line))
				assert.Contains(t, line, "time")
				got = append(got, line["message"].(string))
			}
			assert.Equal(t, tt.visible, got)
		})
	}
}

func TestSetup_ReplacesGlobalLogger(t *testing.T) {
	captureGlobal(t)

	var buf bytes.Buffer
	Setup(Config{Level: LevelInfo, Output: &buf})

	logger := NewLogger("asc-test")
	logger.Info().Str("key_id", "K1").Msg("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "asc-test", line["component"])
	assert.Equal(t, "K1", line["key_id"])
	assert.Equal(t, "hello", line["message"])
}

func TestSetup_Pretty(t *testing.T) {
	captureGlobal(t)

	var buf bytes.Buffer
	Setup(Config{Level: LevelInfo, Pretty: true, Output: &buf})
	log.Info().Msg("console line")

	if json.Valid(buf.Bytes()) {
		t.Errorf("Expected console output, got JSON: %s", buf.String())
	}
	assert.Contains(t, buf.String(), "console line")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name string
		want LogLevel
	}{
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{" warn ", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"", LevelInfo},
		{"trace", LevelInfo},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.name); got != tt.want {
			t.Errorf("ParseLevel(%q) = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestLogLevel_Zerolog(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, LevelDebug.zerolog())
	assert.Equal(t, zerolog.WarnLevel, LogLevel("Warning").zerolog())
	assert.Equal(t, zerolog.InfoLevel, LogLevel("bogus").zerolog())
}
