// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	// Set global log level
	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	// Configure output
	var output io.Writer = cfg.Output
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: cfg.Output}
	}

	// Create logger with timestamp
	logger := zerolog.New(output).With().Timestamp().Logger()

	// Set as global logger
	log.Logger = logger

	return logger
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

type harvestIDKey struct{}

// WithHarvestID returns a context carrying the ID of the running harvest.
func WithHarvestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, harvestIDKey{}, id)
}

// HarvestID returns the harvest ID stored in ctx, or "".
func HarvestID(ctx context.Context) string {
	id, _ := ctx.Value(harvestIDKey{}).(string)
	return id
}

// FromContext creates a component logger that also carries the harvest ID of ctx.
func FromContext(ctx context.Context, component string) zerolog.Logger {
	logger := NewLogger(component)
	if id := HarvestID(ctx); id != "" {
		logger = logger.With().Str("harvest_id", id).Logger()
	}
	return logger
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Page flow (cursor, page size, node count)
//   - Cache operations (hit/miss, key)
//   - Rate limit state updates (healthy)
//
// Info: Normal operation events
//   - Harvest start and finish
//   - Files written
//   - Metrics server startup/shutdown
//
// Warn: Warning conditions that don't prevent operation
//   - Retry attempts
//   - Rate limit throttling
//   - Cache errors (fallback to direct request)
//
// Error: Error conditions requiring attention
//   - Failed requests (after retries), with status, headers and body
//   - Critical rate limit blocks
//   - Failed chunks
//   - Configuration errors
//
// Context Fields:
//   - component: emitting package
//   - harvest_id: UUID of the running harvest
//   - page, cursor, page_size: pagination position
//   - status: HTTP status code
//   - error_class: Error classification (client, server, rate_limit, network, auth, graphql, decode, shape)
//   - attempt: retry attempt number
