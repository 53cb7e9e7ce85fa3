// Package logging builds the process-wide structured logger.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// New creates a JSON slog logger at the given level. Unknown level strings
// fall back to info so a typo in LOG_LEVEL never silences the process.
func New(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// Discard returns a logger that drops everything, for tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
