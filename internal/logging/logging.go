// Package logging provides the engine's structured logger.
package logging

import (
	"log/slog"
	"os"
)

// Logger is a thin wrapper over slog writing key-value pairs to stdout.
type Logger struct {
	l *slog.Logger
}

// NewLogger creates a new Logger.
func NewLogger() *Logger {
	return &Logger{
		l: slog.New(slog.NewTextHandler(os.Stdout, nil)),
	}
}

// NewNopLogger creates a logger that discards everything; used in tests.
func NewNopLogger() *Logger {
	return &Logger{
		l: slog.New(slog.DiscardHandler),
	}
}

// Info logs an informational message with key-value pairs.
func (l *Logger) Info(msg string, args ...any) {
	l.l.Info(msg, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, args ...any) {
	l.l.Warn(msg, args...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, args ...any) {
	l.l.Error(msg, args...)
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, args ...any) {
	l.l.Debug(msg, args...)
}
