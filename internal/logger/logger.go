// Package logger builds the structured loggers handed to every component.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New creates a stdout logger tagged with the component name.
func New(component, level string) zerolog.Logger {
	return NewWithWriter(os.Stdout, component, level)
}

// NewWithWriter is New with an explicit sink.
func NewWithWriter(w io.Writer, component, level string) zerolog.Logger {
	zerolog.DurationFieldUnit = time.Millisecond
	return zerolog.New(w).With().
		Timestamp().
		Str("component", component).
		Logger().
		Level(ParseLevel(level))
}

// ParseLevel maps a config string to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
