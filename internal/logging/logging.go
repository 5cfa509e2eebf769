// Package logging builds the structured loggers of lxproc and the console
// that backs init's standard descriptors.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/kahiteam/lxproc/internal/config"
)

// LogConfig controls logger creation.
type LogConfig struct {
	Level  string    // "debug", "info", "warn", "error"
	Format string    // "json" (default), "text"
	Output io.Writer // defaults to os.Stdout
}

// New creates a configured *slog.Logger.
func New(cfg LogConfig) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	opts := &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	return slog.New(handler)
}

// Open builds the daemon logger described by cfg. With a file configured
// the file is rotated first if it has outgrown max_bytes, then opened for
// appending, and the returned close function must be called on shutdown.
// Without one, records go to stderr and close is nil.
func Open(cfg config.LogConfig) (*slog.Logger, func() error, error) {
	if cfg.File == "" {
		return New(LogConfig{Level: cfg.Level, Format: cfg.Format, Output: os.Stderr}), nil, nil
	}
	if err := RotateIfNeeded(cfg.File, cfg.MaxBytes, cfg.Backups); err != nil {
		return nil, nil, fmt.Errorf("cannot rotate log file: %s: %w", cfg.File, err)
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot open log file: %s: %w", cfg.File, err)
	}
	return New(LogConfig{Level: cfg.Level, Format: cfg.Format, Output: f}), f.Close, nil
}

// ValidateLevel reports whether s names a log level.
func ValidateLevel(s string) error {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "info", "warn", "error":
		return nil
	}
	return fmt.Errorf("invalid log level %q", s)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
