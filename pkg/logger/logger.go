package logger

import (
	"log/slog"
	"os"
)

// Setup builds the process-wide structured logger. Text output, one line
// per event, readable on a console.
func Setup(level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler)
}
