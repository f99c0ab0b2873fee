package app

import (
	"log/slog"
	"os"
)

// NewLogger builds the process logger with a "service" attribute so the
// server, worker and reaper lines can be told apart in shared output.
// LOG_FORMAT=json selects the structured handler for aggregated logs.
func NewLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{AddSource: true}
	var handler slog.Handler
	if cfg != nil && cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler).With(slog.String("service", "meridian"))
}
