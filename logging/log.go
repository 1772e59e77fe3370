// Package logging carries a zap logger through contexts and builds the
// coordinator's console and rotated file logger.
package logging

import (
	"context"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type LoggerKey struct{}

// Config describes a logger writing to the console and optionally to a rotated file.
// The file always receives debug output regardless of Level.
type Config struct {
	Level zapcore.LevelEnabler
	JSON  bool
	// Console defaults to stdout.
	Console io.Writer

	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// DefaultConfig logs info and above to stdout. When a file is set it is rotated
// at 500MB and kept for four weeks.
func DefaultConfig() Config {
	return Config{
		Level:      zap.InfoLevel,
		MaxSizeMB:  500,
		MaxAgeDays: 28,
	}
}

func (c Config) encoder() zapcore.Encoder {
	ec := zap.NewDevelopmentEncoderConfig()
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	if c.JSON {
		ec.EncodeLevel = zapcore.LowercaseLevelEncoder
		return zapcore.NewJSONEncoder(ec)
	}
	return zapcore.NewConsoleEncoder(ec)
}

// Build assembles the logger. The returned close function flushes and closes the log file.
func (c Config) Build() (*zap.Logger, func() error) {
	console := c.Console
	if console == nil {
		console = os.Stdout
	}
	level := c.Level
	if level == nil {
		level = zap.InfoLevel
	}
	encoder := c.encoder()
	cores := []zapcore.Core{zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(console)), level)}

	closeFile := func() error { return nil }
	if c.File != "" {
		file := &lumberjack.Logger{
			Filename:   c.File,
			MaxSize:    c.MaxSizeMB,
			MaxBackups: c.MaxBackups,
			MaxAge:     c.MaxAgeDays,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(file), zap.DebugLevel))
		closeFile = file.Close
	}

	logger := zap.New(zapcore.NewTee(cores...))
	return logger, func() error {
		_ = logger.Sync()
		return closeFile()
	}
}

// New builds a logger with default rotation. The file is closed when the process exits.
func New(level zapcore.LevelEnabler, logFileName string, json bool) *zap.Logger {
	cfg := DefaultConfig()
	cfg.Level = level
	cfg.File = logFileName
	cfg.JSON = json
	logger, _ := cfg.Build()
	return logger
}

var (
	fallbackOnce sync.Once
	fallback     *zap.Logger
)

func NewContext(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, LoggerKey{}, logger)
}

// FromContext returns the context's logger. Contexts without one share a debug console logger.
func FromContext(ctx context.Context) *zap.Logger {
	if logger, ok := ctx.Value(LoggerKey{}).(*zap.Logger); ok {
		return logger
	}
	fallbackOnce.Do(func() {
		fallback = New(zap.DebugLevel, "", false)
	})
	return fallback
}

// Named returns a context carrying the context's logger with the given name appended.
func Named(ctx context.Context, name string) (context.Context, *zap.Logger) {
	logger := FromContext(ctx).Named(name)
	return NewContext(ctx, logger), logger
}
