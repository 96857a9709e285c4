package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger. It writes JSON to stdout until Init runs.
var Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Init sets the global level and replaces Logger. Empty or unknown levels
// mean info. pretty, or ENV=development, selects the console format.
func Init(level string, pretty bool) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	Logger = New(os.Stdout, pretty || os.Getenv("ENV") == "development")
	Logger.Info().Stringer("level", lvl).Msg("logger initialized")
}

// New builds a timestamped logger with caller info writing to w
func New(w io.Writer, pretty bool) zerolog.Logger {
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).With().Timestamp().Caller().Logger()
}

// WithComponent returns a child of Logger tagged with component
func WithComponent(component string) *zerolog.Logger {
	l := Logger.With().Str("component", component).Logger()
	return &l
}

// WithRequestID returns a child of Logger tagged with request_id
func WithRequestID(id string) *zerolog.Logger {
	l := Logger.With().Str("request_id", id).Logger()
	return &l
}
