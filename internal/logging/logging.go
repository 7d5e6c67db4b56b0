// Package logging provides structured logging for the kernel using zerolog.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger instance. Packages log through the
// helpers below or derive child loggers with With().
var Logger zerolog.Logger

// Config holds logger configuration.
type Config struct {
	// Level is the minimum level to emit.
	Level zerolog.Level
	// Output is where logs are written. Defaults to os.Stderr.
	Output io.Writer
	// Pretty enables human-readable console output (CLI mode).
	Pretty bool
}

// Init initializes the global logger.
func Init(cfg Config) {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	zerolog.TimeFieldFormat = time.RFC3339

	out := cfg.Output
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: cfg.Output, TimeFormat: time.Kitchen}
	}

	Logger = zerolog.New(out).Level(cfg.Level).With().Timestamp().Logger()
}

// ParseLevel parses a level string (case-insensitive); unknown values
// fall back to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// Component derives a child logger tagged with a component name, e.g.
// logging.Component("session").
func Component(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

// Debug starts a debug-level event on the global logger.
func Debug() *zerolog.Event { return Logger.Debug() }

// Info starts an info-level event on the global logger.
func Info() *zerolog.Event { return Logger.Info() }

// Warn starts a warn-level event on the global logger.
func Warn() *zerolog.Event { return Logger.Warn() }

// Error starts an error-level event on the global logger.
func Error() *zerolog.Event { return Logger.Error() }

func init() {
	Init(Config{Level: zerolog.InfoLevel})
}
