// Package logger owns the process-wide slog configuration. Components
// derive child loggers from L with component-scoped attributes.
package logger

import (
	"log/slog"
	"os"
	"strings"
)

// L is the root logger. Init replaces it; until then it logs text at
// info level.
var L = slog.New(slog.NewTextHandler(os.Stdout, nil))

// Init configures the root logger from config values and installs it
// as the slog default.
func Init(level, format string) {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if strings.ToLower(strings.TrimSpace(format)) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	L = slog.New(handler)
	slog.SetDefault(L)
}
