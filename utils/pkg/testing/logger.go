package logtesting

import (
	"io"
	"log/slog"
	"os"
)

// NewLogger returns a logger for tests. Output is discarded unless
// DEBUG=1 is set in the environment.
func NewLogger() *slog.Logger {
	if os.Getenv("DEBUG") == "1" {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
