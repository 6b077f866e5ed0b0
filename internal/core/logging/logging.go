// Package logging configures the process-wide structured logger.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init configures a global slog logger. JSON if MEGASERVICE_JSON_LOG=1/true/json else text.
func Init(service string) *slog.Logger {
	mode := strings.ToLower(os.Getenv("MEGASERVICE_JSON_LOG"))
	var handler slog.Handler
	if mode == "1" || mode == "true" || mode == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{AddSource: false, Level: levelFromEnv()})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{AddSource: false, Level: levelFromEnv()})
	}
	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)
	logger.Info("logging initialized", "json", mode == "1" || mode == "true" || mode == "json")
	return logger
}

func levelFromEnv() slog.Leveler {
	switch strings.ToLower(os.Getenv("MEGASERVICE_LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// VerboseEnabled mirrors the original Python code's LOGFLAG: a process-wide
// switch that gates verbose per-request input/output dumps at their call
// sites (distinct from the general log level, which governs everything
// else).
func VerboseEnabled() bool {
	v := strings.ToLower(os.Getenv("LOGFLAG"))
	return v == "1" || v == "true"
}
