package observability

import (
	"log/slog"
	"os"
)

// NewLogger builds the process-wide JSON logger. Handlers and services take
// it as a dependency rather than reaching for a global.
func NewLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}
