package testing

import (
	"io"
	"log/slog"
	"os"
)

// NewLogger returns a logger for tests. Output is discarded unless
// XREF_TEST_VERBOSE is set, which routes debug logs to stderr.
func NewLogger() *slog.Logger {
	if os.Getenv("XREF_TEST_VERBOSE") != "" {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
