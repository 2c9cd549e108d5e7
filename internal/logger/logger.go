// Package logger is a thin process-wide wrapper around a sugared zap logger.
// Call Init once at startup; until then a no-op logger is installed so that
// packages can log freely from tests.
package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var log = zap.NewNop().Sugar()

// Init builds the global logger. env selects the production (JSON) or
// development (console) encoder; level is one of debug, info, warn, error.
func Init(env, level string) error {
	var cfg zap.Config
	if env == "production" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	l, err := cfg.Build()
	if err != nil {
		return err
	}
	log = l.Sugar()
	return nil
}

// Named returns a child logger tagged with the given component name.
func Named(component string) *zap.SugaredLogger {
	return log.With("component", component)
}

// Sync flushes any buffered log entries.
func Sync() {
	_ = log.Sync()
}

func Debug(msg string, keysAndValues ...interface{}) { log.Debugw(msg, keysAndValues...) }
func Info(msg string, keysAndValues ...interface{})  { log.Infow(msg, keysAndValues...) }
func Warn(msg string, keysAndValues ...interface{})  { log.Warnw(msg, keysAndValues...) }
func Error(msg string, keysAndValues ...interface{}) { log.Errorw(msg, keysAndValues...) }

// Fatal logs and terminates the process.
func Fatal(msg string, keysAndValues ...interface{}) { log.Fatalw(msg, keysAndValues...) }
