package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// log is the global zap logger instance; a no-op logger until Initialize runs.
var log = zap.NewNop()

// Config holds logger configuration
type Config struct {
	Debug bool
}

// Initialize builds the global logger
func Initialize(cfg Config) error {
	var zapConfig zap.Config
	if cfg.Debug {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		zapConfig = zap.NewProductionConfig()
		zapConfig.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	built, err := zapConfig.Build()
	if err != nil {
		return err
	}
	log = built
	return nil
}

// Sync flushes buffered log entries
func Sync() {
	_ = log.Sync()
}

// With returns a child logger carrying the given fields
func With(fields ...zap.Field) *zap.Logger {
	return log.With(fields...)
}

// Info logs an info message
func Info(msg string, fields ...zap.Field) {
	log.Info(msg, fields...)
}

// Error logs an error message
func Error(err error, fields ...zap.Field) {
	if err != nil {
		log.Error(err.Error(), fields...)
	} else {
		log.Error("error occurred", fields...)
	}
}

// Warn logs a warning message
func Warn(msg string, fields ...zap.Field) {
	log.Warn(msg, fields...)
}

// Debug logs a debug message
func Debug(msg string, fields ...zap.Field) {
	log.Debug(msg, fields...)
}
