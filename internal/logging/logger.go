// Package logging provides structured logging for go-camera-pipe.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options configures New.
type Options struct {
	// Writer receives formatted records. Defaults to stderr.
	Writer io.Writer

	// Format is "json" or "text".
	Format string

	// Level is "debug", "info", "warn" or "error". Verbose forces debug.
	Level   string
	Verbose bool

	// RecentLines and RecentLevel size the warning ring kept for the
	// dashboard and the exit summary.
	RecentLines int
	RecentLevel slog.Level
}

// New builds a logger and the RecentHandler behind it.
func New(opts Options) (*slog.Logger, *RecentHandler) {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	recent := NewRecentHandler(NewHandler(w, opts.Format, opts.Level, opts.Verbose), opts.RecentLines, opts.RecentLevel)
	return slog.New(recent), recent
}

// NewHandler builds the formatting handler.
func NewHandler(w io.Writer, format, level string, verbose bool) slog.Handler {
	logLevel := parseLevel(level)
	if verbose {
		logLevel = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
		// Add source location for debug level
		AddSource: logLevel == slog.LevelDebug,
	}

	switch strings.ToLower(format) {
	case "text":
		return slog.NewTextHandler(w, opts)
	default:
		// Default to JSON for structured logging
		return slog.NewJSONHandler(w, opts)
	}
}

// parseLevel converts a string level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetDefault sets the default logger for the slog package.
func SetDefault(logger *slog.Logger) {
	slog.SetDefault(logger)
}
