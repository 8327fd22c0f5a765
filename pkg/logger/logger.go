// Package logger provides the process-wide structured logger.
//
// It wraps go.uber.org/zap behind the same small surface the rest of the
// codebase calls into (Info/Warn/Error/Fatal with printf-style
// formatting), plus With for attaching structured, per-component fields
// (component name, correlation id) that a plain format string can't carry.
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var base *zap.Logger

func init() {
	base = newBase()
}

func newBase() *zap.Logger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if os.Getenv("NODE_ENV") == "dev" || os.Getenv("NODE_ENV") == "development" {
		encoderCfg = zap.NewDevelopmentEncoderConfig()
		level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderCfg),
		zapcore.Lock(os.Stdout),
		level,
	)
	return zap.New(core)
}

// Logger is a tagged child logger for one component, e.g. the worker pool
// or the circuit breaker, obtained via With.
type Logger struct {
	z *zap.SugaredLogger
}

// With returns a Logger whose log lines always carry the given key/value
// pairs (component name, correlation id, etc.) as structured fields.
func With(keysAndValues ...interface{}) Logger {
	return Logger{z: base.Sugar().With(keysAndValues...)}
}

func (l Logger) Info(format string, v ...interface{})  { l.z.Infof(format, v...) }
func (l Logger) Warn(format string, v ...interface{})  { l.z.Warnf(format, v...) }
func (l Logger) Error(format string, v ...interface{}) { l.z.Errorf(format, v...) }
func (l Logger) Fatal(format string, v ...interface{}) { l.z.Fatalf(format, v...) }

// Info logs an informational message on the process-wide logger.
func Info(format string, v ...interface{}) {
	base.Sugar().Infof(format, v...)
}

// Warn logs a warning on the process-wide logger.
func Warn(format string, v ...interface{}) {
	base.Sugar().Warnf(format, v...)
}

// Error logs an error on the process-wide logger.
func Error(format string, v ...interface{}) {
	base.Sugar().Errorf(format, v...)
}

// Fatal logs an error on the process-wide logger and exits with status 1.
func Fatal(format string, v ...interface{}) {
	base.Sugar().Fatalf(format, v...)
}

// Sync flushes any buffered log entries. Call before process exit.
func Sync() {
	_ = base.Sync()
}
