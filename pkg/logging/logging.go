// Package logging provides the leveled structured logging sink that every
// core component consumes. It wraps go.uber.org/zap with the same
// console-encoded setup used across the rest of the fabric.
package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Field is a structured logging field. Aliasing zap.Field lets callers write
// logging.String(...)/logging.Err(...) exactly as zap.String/zap.Error.
type Field = zap.Field

var (
	String   = zap.String
	Int      = zap.Int
	Int64    = zap.Int64
	Float64  = zap.Float64
	Bool     = zap.Bool
	Duration = zap.Duration
	Err      = zap.Error
	Any      = zap.Any
	Time     = zap.Time
)

// Logger is the leveled structured logging interface core components
// depend on. Level is filterable by the underlying sink's configured
// minimum.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	With(fields ...Field) Logger
}

// ZapLogger adapts *zap.Logger to the Logger interface.
type ZapLogger struct {
	l *zap.Logger
}

// Wrap adapts an existing *zap.Logger.
func Wrap(l *zap.Logger) *ZapLogger { return &ZapLogger{l: l} }

func (z *ZapLogger) Debug(msg string, fields ...Field) { z.l.Debug(msg, fields...) }
func (z *ZapLogger) Info(msg string, fields ...Field)  { z.l.Info(msg, fields...) }
func (z *ZapLogger) Warn(msg string, fields ...Field)  { z.l.Warn(msg, fields...) }
func (z *ZapLogger) Error(msg string, fields ...Field) { z.l.Error(msg, fields...) }
func (z *ZapLogger) With(fields ...Field) Logger       { return &ZapLogger{l: z.l.With(fields...)} }

// Raw returns the underlying *zap.Logger for callers that need it directly.
func (z *ZapLogger) Raw() *zap.Logger { return z.l }

// New builds a console-encoded zap logger at the given level: ISO8601
// timestamps, capital colored level, short caller.
func New(level string) (*ZapLogger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig = zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalColorLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &ZapLogger{l: l}, nil
}

// Nop returns a Logger that discards everything, for tests.
func Nop() Logger { return &ZapLogger{l: zap.NewNop()} }
