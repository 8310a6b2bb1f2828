// Package logging builds the process logger.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a JSON logger with RFC3339 timestamps and caller information.
// Errors go to stderr and everything else to stdout. With verbose set the
// logger writes human-readable console lines and includes debug entries.
func New(verbose bool) *zap.Logger {
	return NewWithWriters(zapcore.Lock(os.Stdout), zapcore.Lock(os.Stderr), verbose)
}

// NewWithWriters is New with explicit sinks
func NewWithWriters(stdout, stderr zapcore.WriteSyncer, verbose bool) *zap.Logger {
	minLevel := zapcore.InfoLevel
	config := zap.NewProductionEncoderConfig()
	config.EncodeTime = zapcore.RFC3339TimeEncoder
	encoder := zapcore.NewJSONEncoder(config)
	if verbose {
		minLevel = zapcore.DebugLevel
		encoder = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	}

	isErrorLevel := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= zapcore.ErrorLevel
	})
	isInfoLevel := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= minLevel && lvl < zapcore.ErrorLevel
	})

	core := zapcore.NewTee(
		zapcore.NewCore(encoder, stderr, isErrorLevel),
		zapcore.NewCore(encoder, stdout, isInfoLevel),
	)
	return zap.New(core, zap.AddCaller())
}
