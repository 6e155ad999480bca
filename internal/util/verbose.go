package util

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	logger   *slog.Logger
	logLevel = new(slog.LevelVar)
	loggerMu sync.Mutex
)

// InitLogger initializes the global slog logger with the given level name
// (debug, info, warn, error). Unknown names fall back to info.
func InitLogger(level string) {
	InitLoggerTo(os.Stdout, level)
}

// InitLoggerTo is InitLogger with an explicit destination.
func InitLoggerTo(w io.Writer, level string) {
	loggerMu.Lock()
	defer loggerMu.Unlock()

	logLevel.Set(ParseLevel(level))
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel})
	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// GetLogger returns the configured logger instance
func GetLogger() *slog.Logger {
	loggerMu.Lock()
	l := logger
	loggerMu.Unlock()
	if l == nil {
		// Fallback initialization with INFO level
		InitLogger("info")
		return GetLogger()
	}
	return l
}

// IsVerbose reports whether debug logging is enabled.
func IsVerbose() bool {
	return logLevel.Level() <= slog.LevelDebug
}
