// Package logging configures the zerolog structured logger shared by
// every component, following the teacher's monitoring/logger.go.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/spoilerchat/internal/types"
)

// Config selects level and output encoding for New.
type Config struct {
	Level  types.LogLevel
	Format types.LogFormat
}

// New builds a zerolog.Logger configured for either JSON (production,
// log-aggregator friendly) or pretty console output (local development).
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	var level zerolog.Level
	switch cfg.Level {
	case types.LogLevelDebug:
		level = zerolog.DebugLevel
	case types.LogLevelWarn:
		level = zerolog.WarnLevel
	case types.LogLevelError:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == types.LogFormatPretty {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).With().Timestamp().Str("service", "spoilerchat-gateway").Logger()
}

// WithPanicStack logs a recovered panic with a full stack trace. Intended
// for use in the defer/recover blocks that guard every read loop and
// dispatcher tick so one bad input can't take the process down.
func WithPanicStack(logger zerolog.Logger, panicValue any, msg string, fields map[string]any) {
	event := logger.Error().Interface("panic_value", panicValue).Str("stack_trace", string(debug.Stack()))
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}
