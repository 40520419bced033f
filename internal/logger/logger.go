package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger
)

func init() {
	// Info level JSON on stdout until Init is called from the CLI
	Logger = newLogger(os.Stdout)
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = Logger
}

// ParseLevel maps a config/flag level name onto a zerolog level.
// An empty name means info.
func ParseLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel, nil
	case "", "info":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	case "trace":
		return zerolog.TraceLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("unknown log level %q (use: trace, debug, info, warn, error)", level)
	}
}

// Init reconfigures the global logger. Unknown levels fall back to info.
func Init(level string, pretty bool) {
	lvl, err := ParseLevel(level)

	var output io.Writer = os.Stdout
	if pretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	SetOutput(output)
	zerolog.SetGlobalLevel(lvl)

	if err != nil {
		Logger.Warn().Err(err).Msg("Falling back to info level")
	}
}

// SetLevel changes the global level at runtime (config hot reload).
func SetLevel(level string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}

// SetOutput redirects the global logger, keeping timestamp and caller fields.
func SetOutput(w io.Writer) {
	Logger = newLogger(w)
	log.Logger = Logger
}

func newLogger(w io.Writer) zerolog.Logger {
	return zerolog.New(w).
		With().
		Timestamp().
		Caller().
		Logger()
}

// Get returns the global logger instance
func Get() *zerolog.Logger {
	return &Logger
}

// WithComponent returns a logger with a component field set
func WithComponent(component string) *zerolog.Logger {
	l := Logger.With().Str("component", component).Logger()
	return &l
}
