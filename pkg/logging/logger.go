// Package logging configures zerolog for the App Store Connect client and
// provides helpers that keep secrets out of request logs.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel is a minimum log level by name.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty writes colored console lines instead of JSON.
	Pretty bool

	// Output receives the log lines (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns JSON logging at info level to stderr.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Output: os.Stderr,
	}
}

// Setup installs a logger built from cfg as the global zerolog logger
// and returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(cfg.Level.zerolog())

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.TimeOnly}
	}

	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	return log.Logger
}

// ParseLevel converts a level name as given on the command line.
// Unknown names fall back to info.
func ParseLevel(name string) LogLevel {
	switch l := LogLevel(strings.ToLower(strings.TrimSpace(name))); l {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return l
	case "warning":
		return LevelWarn
	default:
		return LevelInfo
	}
}

func (l LogLevel) zerolog() zerolog.Level {
	level, err := zerolog.ParseLevel(string(ParseLevel(string(l))))
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

// NewLogger returns the global logger tagged with component.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Levels in use:
//
// Debug: token cache decisions, cache hits, pagination page counts
// Info: request/response traces when request logging is enabled, new tokens
// Warn: retried requests, rate limit headroom running low, audit write failures
// Error: requests that failed after exhausting their retry budget
//
// Context fields:
//   - component: asc-auth, asc-session, asc-pagination, asc-ratelimit, asc-audit
//   - method, url: outgoing request
//   - status: HTTP status code
//   - error_class: unauthorized, server, client, network
//   - attempt: 1-based attempt number within one logical request
//   - key_id: App Store Connect API key identifier
//   - remaining: requests left in the current rate limit window
