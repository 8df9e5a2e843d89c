// Package logging provides structured logging for runs. It wraps log/slog
// with a JSON handler so run logs are machine-parseable for post-hoc
// inspection of failed tasks.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// New creates a logger writing JSON records to {dir}/run.log, or to stderr
// when dir is empty. level is one of DEBUG, INFO, WARN, ERROR
// (case-insensitive); anything else means INFO.
func New(dir string, level string) (*slog.Logger, func() error, error) {
	var writer io.Writer = os.Stderr
	closeFn := func() error { return nil }

	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating log directory: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(dir, "run.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		writer = f
		closeFn = f.Close
	}

	handler := slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: parseLevel(level)})
	return slog.New(handler), closeFn, nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
