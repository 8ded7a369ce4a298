package logging

import (
	"log/slog"
	"os"
)

// Init builds the process-wide JSON logger. Captured test output and
// credentials are redacted before they reach the log stream.
func Init(component, id string) *slog.Logger {
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	handler = newRedactingHandler(handler)
	logger := slog.New(handler).With("component", component)
	if id != "" {
		logger = logger.With("id", id)
	}
	slog.SetDefault(logger)
	return logger
}
