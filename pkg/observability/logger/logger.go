package logger

import (
	"context"
)

// Logger defines the interface for structured logging.
// All log methods accept a message string followed by key-value pairs for structured fields.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	// With creates a child logger with additional key-value pairs that will be
	// included in all subsequent log entries
	With(args ...any) Logger

	// WithContext creates a child logger carrying the fields attached to ctx
	// (see ContextWithFields) and the active trace id, if any.
	WithContext(ctx context.Context) Logger
}

// NewNop returns a Logger that discards everything.
func NewNop() Logger {
	return nopLogger{}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any)                 {}
func (nopLogger) Info(string, ...any)                  {}
func (nopLogger) Warn(string, ...any)                  {}
func (nopLogger) Error(string, ...any)                 {}
func (n nopLogger) With(...any) Logger                 { return n }
func (n nopLogger) WithContext(context.Context) Logger { return n }

type fieldsKey struct{}

// ContextWithFields returns a context whose loggers (via WithContext) include kv.
func ContextWithFields(ctx context.Context, kv ...any) context.Context {
	if len(kv) == 0 {
		return ctx
	}
	existing := FieldsFromContext(ctx)
	merged := make([]any, 0, len(existing)+len(kv))
	merged = append(merged, existing...)
	merged = append(merged, kv...)
	return context.WithValue(ctx, fieldsKey{}, merged)
}

// FieldsFromContext returns the key-value pairs attached with ContextWithFields.
func FieldsFromContext(ctx context.Context) []any {
	if ctx == nil {
		return nil
	}
	fields, _ := ctx.Value(fieldsKey{}).([]any)
	return fields
}
