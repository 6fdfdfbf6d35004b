package observability

import (
	"log/slog"
	"os"
)

type Logger struct {
	*slog.Logger
}

// NewLogger returns a JSON slog logger tagged with the service name.
// LOG_LEVEL=debug enables debug output.
func NewLogger(serviceName string) *Logger {
	level := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return &Logger{slog.New(handler).With("service", serviceName)}
}
