package restore

import (
	"log/slog"
	"os"
)

var log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
	Level:     slog.LevelInfo,
	AddSource: true,
}))

// SetLogger sets the package logger used throughout the restore engine.
func SetLogger(logger *slog.Logger) {
	if logger != nil {
		log = logger
	}
}
