// Package logging provides the structured logger shared by the lease server and
// the scrape workers. It is a thin field-oriented facade over zap.
package logging

import (
	"context"
	"log"
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel represents the severity of a log message
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

var zapLevels = map[LogLevel]zapcore.Level{
	LevelDebug: zapcore.DebugLevel,
	LevelInfo:  zapcore.InfoLevel,
	LevelWarn:  zapcore.WarnLevel,
	LevelError: zapcore.ErrorLevel,
	LevelFatal: zapcore.FatalLevel,
}

// LogFormat selects JSON lines or zap's console encoder.
type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

// Logger carries a set of fields. Deriving a logger never mutates its parent.
type Logger struct {
	zl *zap.Logger
}

// NewLogger builds a stdout logger. Timestamps are ISO8601 under "timestamp".
func NewLogger(level LogLevel, format LogFormat) *Logger {
	cfg := zap.NewProductionConfig()
	if format == FormatText {
		cfg = zap.NewDevelopmentConfig()
	}
	lvl, ok := zapLevels[level]
	if !ok {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stdout"}
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	zl, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		log.Printf("logging: %v, using example logger", err)
		zl = zap.NewExample()
	}
	return &Logger{zl: zl}
}

// NewFromZap wraps an existing zap logger, e.g. one built on an observer core.
func NewFromZap(zl *zap.Logger) *Logger {
	return &Logger{zl: zl.WithOptions(zap.AddCallerSkip(1))}
}

func (l *Logger) with(fields ...zap.Field) *Logger {
	return &Logger{zl: l.zl.With(fields...)}
}

func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.with(zap.Any(key, value))
}

func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	zf := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zf = append(zf, zap.Any(k, v))
	}
	return l.with(zf...)
}

// WithError attaches err under the "error" key.
func (l *Logger) WithError(err error) *Logger {
	return l.with(zap.Error(err))
}

func (l *Logger) Debug(msg string) { l.zl.Debug(msg) }
func (l *Logger) Info(msg string) { l.zl.Info(msg) }
func (l *Logger) Warn(msg string) { l.zl.Warn(msg) }
func (l *Logger) Error(msg string) { l.zl.Error(msg) }

func (l *Logger) Debugf(format string, args ...interface{}) { l.zl.Sugar().Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{}) { l.zl.Sugar().Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{}) { l.zl.Sugar().Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.zl.Sugar().Errorf(format, args...) }

// Fatal logs at error level, flushes and exits with status 1. Deferred
// functions do not run.
func (l *Logger) Fatal(msg string) {
	l.zl.Error(msg)
	_ = l.zl.Sync()
	os.Exit(1)
}

func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.zl.Sugar().Errorf(format, args...)
	_ = l.zl.Sync()
	os.Exit(1)
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.zl.Sync()
}

var global atomic.Pointer[Logger]

// InitGlobalLogger replaces the process logger and zap's globals.
func InitGlobalLogger(level LogLevel, format LogFormat) {
	l := NewLogger(level, format)
	global.Store(l)
	zap.ReplaceGlobals(l.zl)
}

// GetGlobalLogger returns the process logger, creating a JSON info logger on
// first use.
func GetGlobalLogger() *Logger {
	if l := global.Load(); l != nil {
		return l
	}
	global.CompareAndSwap(nil, NewLogger(LevelInfo, FormatJSON))
	return global.Load()
}

type loggerKey struct{}

// WithLogger returns a context carrying logger.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the request logger, or the global one.
func FromContext(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*Logger); ok {
		return logger
	}
	return GetGlobalLogger()
}

// Package-level helpers log through the global logger.

func Info(msg string) { GetGlobalLogger().Info(msg) }

func Infof(format string, args ...interface{}) { GetGlobalLogger().Infof(format, args...) }

func Fatalf(format string, args ...interface{}) { GetGlobalLogger().Fatalf(format, args...) }

func WithField(key string, value interface{}) *Logger {
	return GetGlobalLogger().WithField(key, value)
}

func WithFields(fields map[string]interface{}) *Logger {
	return GetGlobalLogger().WithFields(fields)
}

func WithError(err error) *Logger {
	return GetGlobalLogger().WithError(err)
}

// ParseLogLevel accepts the level names case-insensitively, plus "warning".
// Anything else is info.
func ParseLogLevel(level string) LogLevel {
	l := LogLevel(strings.ToLower(strings.TrimSpace(level)))
	if l == "warning" {
		return LevelWarn
	}
	if _, ok := zapLevels[l]; ok {
		return l
	}
	log.Printf("Unknown log level '%s', defaulting to 'info'", level)
	return LevelInfo
}

// ParseLogFormat accepts "json", "text" and its alias "console". Anything
// else is JSON.
func ParseLogFormat(format string) LogFormat {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		return FormatJSON
	case "text", "console":
		return FormatText
	}
	log.Printf("Unknown log format '%s', defaulting to 'json'", format)
	return FormatJSON
}
