// Package logging builds the zerolog loggers used by the daemon, the overseer
// and the CLI.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// Options configures New.
type Options struct {
	Component string
	Level     string // debug, info, warn, error; anything else means info
	Console   bool   // human-readable output instead of JSON lines
}

// New returns a logger writing to w.
func New(w io.Writer, opts Options) zerolog.Logger {
	var logger zerolog.Logger
	if opts.Console {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
	} else {
		logger = zerolog.New(w).With().Timestamp().Logger()
	}

	logger = logger.Level(ParseLevel(opts.Level))
	if opts.Component != "" {
		logger = logger.With().Str("component", opts.Component).Logger()
	}
	return logger
}

// ParseLevel maps a config level name to a zerolog level.
func ParseLevel(s string) zerolog.Level {
	switch s {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Stderr returns a console logger when stderr is a terminal, JSON otherwise.
func Stderr(component, level string) zerolog.Logger {
	return New(os.Stderr, Options{
		Component: component,
		Level:     level,
		Console:   isatty.IsTerminal(os.Stderr.Fd()),
	})
}

// OpenFile opens (appending) the JSON log file at path, creating its
// directory. The caller closes the returned file.
func OpenFile(path string, component, level string) (zerolog.Logger, *os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // path derived from instance root
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("open log %s: %w", path, err)
	}
	return New(f, Options{Component: component, Level: level}), f, nil
}
