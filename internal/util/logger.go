package util

import (
	"fmt"
	"log"
	"log/slog"
	"strings"
)

// Logger wraps slog and provides traditional log.Printf style methods.
// Third-party libraries that want a Printf/Println logger (the MQTT client
// in particular) are handed one of these.
type Logger struct {
	slogLogger *slog.Logger
	level      slog.Level
}

// GetCompatLogger returns a logger that writes Printf/Println output at info level
func GetCompatLogger() *Logger {
	return GetCompatLoggerAt(slog.LevelInfo)
}

// GetCompatLoggerAt returns a compat logger whose Printf/Println calls log at level.
func GetCompatLoggerAt(level slog.Level) *Logger {
	return &Logger{
		slogLogger: GetLogger(),
		level:      level,
	}
}

// With returns a copy of the logger carrying extra attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{slogLogger: l.slogLogger.With(args...), level: l.level}
}

// Printf provides log.Printf compatibility while using slog internally
func (l *Logger) Printf(format string, v ...interface{}) {
	l.log(l.level, fmt.Sprintf(format, v...))
}

// Println provides log.Println compatibility while using slog internally
func (l *Logger) Println(v ...interface{}) {
	l.log(l.level, fmt.Sprintln(v...))
}

// Debugf logs at debug level
func (l *Logger) Debugf(format string, v ...interface{}) {
	if IsVerbose() {
		l.log(slog.LevelDebug, fmt.Sprintf(format, v...))
	}
}

// Errorf logs at error level
func (l *Logger) Errorf(format string, v ...interface{}) {
	l.log(slog.LevelError, fmt.Sprintf(format, v...))
}

// Warnf logs at warn level
func (l *Logger) Warnf(format string, v ...interface{}) {
	l.log(slog.LevelWarn, fmt.Sprintf(format, v...))
}

// Infof logs at info level
func (l *Logger) Infof(format string, v ...interface{}) {
	l.log(slog.LevelInfo, fmt.Sprintf(format, v...))
}

func (l *Logger) log(level slog.Level, msg string) {
	switch level {
	case slog.LevelDebug:
		l.slogLogger.Debug(strings.TrimRight(msg, "\n"))
	case slog.LevelWarn:
		l.slogLogger.Warn(strings.TrimRight(msg, "\n"))
	case slog.LevelError:
		l.slogLogger.Error(strings.TrimRight(msg, "\n"))
	default:
		l.slogLogger.Info(strings.TrimRight(msg, "\n"))
	}
}

// SetupGlobalLogger replaces the standard log package logger
func SetupGlobalLogger() {
	logger := GetCompatLogger()
	log.SetFlags(0)
	log.SetOutput(&logWriter{logger: logger.slogLogger})
}

type logWriter struct {
	logger *slog.Logger
}

func (w *logWriter) Write(p []byte) (n int, err error) {
	w.logger.Info(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
