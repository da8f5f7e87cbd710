package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Output formats accepted by Config.Format.
const (
	FormatJSON = "json"
	FormatText = "text"
)

// Config configures NewZapLogger.
type Config struct {
	// Level is one of debug, info, warn (or warning) and error. Empty means info.
	Level string
	// Format is FormatJSON or FormatText. Empty means JSON.
	Format string
	// Service is attached to every entry when set.
	Service string
	// Output defaults to os.Stdout.
	Output io.Writer
}

// ZapLogger is the zap backed Logger used by the executor processes.
type ZapLogger struct {
	base  *zap.Logger
	sugar *zap.SugaredLogger
}

// NewZapLogger builds a logger writing one entry per line to cfg.Output.
func NewZapLogger(cfg Config) (*ZapLogger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	encoder, err := newEncoder(cfg.Format)
	if err != nil {
		return nil, err
	}

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	opts := []zap.Option{zap.AddCaller(), zap.AddCallerSkip(1)}
	if cfg.Service != "" {
		opts = append(opts, zap.Fields(zap.String("service", cfg.Service)))
	}
	base := zap.New(zapcore.NewCore(encoder, zapcore.AddSync(out), level), opts...)
	return &ZapLogger{base: base, sugar: base.Sugar()}, nil
}

// ParseLevel maps a configured level name to a zap level.
func ParseLevel(name string) (zapcore.Level, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "":
		return zapcore.InfoLevel, nil
	case "warning":
		return zapcore.WarnLevel, nil
	case "debug", "info", "warn", "error":
		return zapcore.ParseLevel(name)
	}
	return zapcore.InfoLevel, fmt.Errorf("invalid log level %q", name)
}

func newEncoder(format string) (zapcore.Encoder, error) {
	cfg := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatJSON:
		return zapcore.NewJSONEncoder(cfg), nil
	case FormatText, "console":
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		return zapcore.NewConsoleEncoder(cfg), nil
	}
	return nil, fmt.Errorf("invalid log format %q", format)
}

func (l *ZapLogger) Debug(msg string, args ...any) { l.sugar.Debugw(msg, args...) }
func (l *ZapLogger) Info(msg string, args ...any)  { l.sugar.Infow(msg, args...) }
func (l *ZapLogger) Warn(msg string, args ...any)  { l.sugar.Warnw(msg, args...) }
func (l *ZapLogger) Error(msg string, args ...any) { l.sugar.Errorw(msg, args...) }

// With returns a child logger carrying args.
func (l *ZapLogger) With(args ...any) Logger {
	return &ZapLogger{base: l.base, sugar: l.sugar.With(args...)}
}

// WithContext adds the fields stored with ContextWithFields and the ids of
// the span carried by ctx.
func (l *ZapLogger) WithContext(ctx context.Context) Logger {
	if ctx == nil {
		return l
	}
	fields := FieldsFromContext(ctx)
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields, "trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
	}
	if len(fields) == 0 {
		return l
	}
	return l.With(fields...)
}

// Sync flushes buffered entries.
func (l *ZapLogger) Sync() error {
	return l.base.Sync()
}
