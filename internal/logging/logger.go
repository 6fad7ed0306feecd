// Package logging builds the process-wide slog logger for the sync
// daemon. Sync cycles, conflicts, and reconnection events all log
// through it.
package logging

import (
	"log/slog"
	"os"
)

// NewLogger creates the daemon's structured logger. Production emits
// JSON at info level for log shippers; anything else gets
// human-readable text with debug enabled, since a developer watching a
// sync cycle wants the per-record decisions.
func NewLogger(env string) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
