// Package logx builds the structured zerolog logger used throughout the
// mesh: one JSON-or-console logger per process, tagged with a service
// name and the node it belongs to. Adapted from the ws-server logger in
// adred-codev-ws_poc, generalized here for a library with many
// independent components (channel, mesh, CLI) rather than one server.
package logx

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Level mirrors the handful of levels the rest of this module's
// components actually log at.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Format selects between machine-readable JSON and a console-friendly
// rendering for interactive use (the CLI, local development).
type Format string

const (
	FormatJSON   Format = "json"
	FormatPretty Format = "pretty"
)

// Config configures New.
type Config struct {
	Level   Level
	Format  Format
	Service string
}

func zerologLevel(l Level) zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// New builds a logger per cfg. Service defaults to "cortezmesh" when
// unset.
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stderr
	if cfg.Format == FormatPretty {
		output = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	zerolog.SetGlobalLevel(zerologLevel(cfg.Level))

	service := cfg.Service
	if service == "" {
		service = "cortezmesh"
	}

	return zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Logger()
}

// LogPanic records a recovered panic with its stack trace. The mesh
// housekeeper goroutine calls it from its deferred recover(), so a panic
// there does not silently vanish.
func LogPanic(logger zerolog.Logger, panicValue interface{}, msg string) {
	logger.Error().
		Interface("panic_value", panicValue).
		Str("stack_trace", string(debug.Stack())).
		Msg(msg)
}
