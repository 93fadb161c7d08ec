package logger

import (
	"context"
)

// Logger defines the interface for structured logging throughout docroute.
// All log methods accept a message string followed by key-value pairs for structured fields.
type Logger interface {
	// Debug logs a debug-level message with optional key-value pairs
	Debug(msg string, args ...any)

	// Info logs an info-level message with optional key-value pairs
	Info(msg string, args ...any)

	// Warn logs a warning-level message with optional key-value pairs
	Warn(msg string, args ...any)

	// Error logs an error-level message with optional key-value pairs
	Error(msg string, args ...any)

	// With creates a child logger with additional key-value pairs that will be
	// included in all subsequent log entries
	With(args ...any) Logger

	// WithContext creates a child logger that carries the query ID found in ctx
	WithContext(ctx context.Context) Logger
}

type queryIDKey struct{}

// ContextWithQueryID returns a context carrying the query ID picked up by WithContext.
func ContextWithQueryID(ctx context.Context, queryID string) context.Context {
	return context.WithValue(ctx, queryIDKey{}, queryID)
}

// QueryIDFromContext returns the query ID stored in ctx, if any.
func QueryIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(queryIDKey{}).(string); ok {
		return id
	}
	return ""
}

// Nop returns a logger that discards everything.
func Nop() Logger {
	return nopLogger{}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any)                 {}
func (nopLogger) Info(string, ...any)                  {}
func (nopLogger) Warn(string, ...any)                  {}
func (nopLogger) Error(string, ...any)                 {}
func (n nopLogger) With(...any) Logger                 { return n }
func (n nopLogger) WithContext(context.Context) Logger { return n }
