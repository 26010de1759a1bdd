package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide root logger. Components never log through
// it directly; they hold a child from WithComponent or WithPersona so
// every line carries its origin.
var Logger zerolog.Logger

// Config holds logging configuration.
type Config struct {
	// Level is a zerolog level name: debug, info, warn, error.
	Level string
	// JSONOutput switches from the human console format to one JSON
	// object per line.
	JSONOutput bool
	Output     io.Writer
}

// Init configures the root logger. Call once at startup, before any
// component asks for a child logger. Unknown level names fall back to
// info.
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if !cfg.JSONOutput {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}
	Logger = zerolog.New(output).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with an infrastructure
// component name (dispatch, vault, storage).
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithPersona returns a child logger tagged with the persona a message
// pipeline belongs to.
func WithPersona(persona string) zerolog.Logger {
	return Logger.With().Str("persona", persona).Logger()
}

// Info logs through the root logger, for the thin harness layers that
// have no component logger of their own.
func Info(msg string) {
	Logger.Info().Msg(msg)
}

// Errorf logs an error with a message through the root logger.
func Errorf(msg string, err error) {
	Logger.Error().Err(err).Msg(msg)
}
