package backup

import (
	"encoding/json"
	"log/slog"
	"os"
)

var log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
	Level:     slog.LevelInfo,
	AddSource: true,
}))

// SetLogger sets the package logger used throughout the orchestrator.
func SetLogger(logger *slog.Logger) {
	if logger != nil {
		log = logger
	}
}

// prettyJSON formats a JSON payload for debug logging; falls back to
// the raw string when the payload does not parse.
func prettyJSON(raw []byte) string {
	var obj interface{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return string(raw)
	}
	pretty, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(pretty)
}
