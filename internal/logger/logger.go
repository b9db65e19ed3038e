// Package logger builds the broker's structured loggers on top of log/slog.
//
// Every component receives a *slog.Logger through its options and derives a
// child with a "component" attribute, so a single handler configured at
// startup controls level and format for the whole process:
//
//	log, err := logger.New(os.Stderr, logger.Options{Level: "debug", Format: "json"})
//	if err != nil {
//	    return err
//	}
//	srv := broker.NewServer(reg, broker.WithLogger(log))
//
// Level and format normally come from BROKER_LOG_LEVEL and BROKER_LOG_FORMAT
// (see internal/config).
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Format selects the slog handler used for output.
type Format string

const (
	// FormatText renders key=value lines (default).
	FormatText Format = "text"
	// FormatJSON renders one JSON object per line.
	FormatJSON Format = "json"
)

// Options configures New.
type Options struct {
	Level     string // debug, info, warn, error; empty means info
	Format    string // text or json; empty means text
	AddSource bool
}

// New returns a logger writing to w with the requested level and format.
// Unknown levels or formats are errors.
func New(w io.Writer, opts Options) (*slog.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	format, err := ParseFormat(opts.Format)
	if err != nil {
		return nil, err
	}

	handlerOpts := &slog.HandlerOptions{
		Level:     level,
		AddSource: opts.AddSource,
	}

	var handler slog.Handler
	switch format {
	case FormatJSON:
		handler = slog.NewJSONHandler(w, handlerOpts)
	default:
		handler = slog.NewTextHandler(w, handlerOpts)
	}
	return slog.New(handler), nil
}

// Nop returns a logger that discards everything. Library constructors use it
// when no logger is supplied.
func Nop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ParseLevel maps a level name to a slog.Level. Matching is case-insensitive
// and "warning" is accepted as an alias for "warn".
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("logger: unknown level %q", s)
	}
}

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatText, fmt.Errorf("logger: unknown format %q", s)
	}
}
