// Package logger is the gatekeeper's structured logger: a zap SugaredLogger
// behind a small key/value interface so packages never import zap directly.
package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger takes a message followed by alternating keys and values.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	With(fields ...interface{}) Logger
}

// Config selects level, encoding and destination. Output is "stdout" or a
// file path; anything but Format "console" encodes JSON.
type Config struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	AddCaller  bool   `mapstructure:"add_caller"`
	Stacktrace bool   `mapstructure:"stacktrace"`
}

type sugared struct {
	s *zap.SugaredLogger
}

// New builds a logger from cfg. An unknown level means info; a config zap
// cannot build falls back to a plain JSON logger on stdout.
func New(cfg Config) Logger {
	z, err := zapConfig(cfg).Build()
	if err != nil {
		z = zap.NewExample()
	}
	return &sugared{s: z.Sugar()}
}

// NewNop discards everything.
func NewNop() Logger {
	return &sugared{s: zap.NewNop().Sugar()}
}

func zapConfig(cfg Config) zap.Config {
	zc := zap.NewProductionConfig()

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	zc.Encoding = "json"
	if cfg.Format == "console" {
		zc.Encoding = "console"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	switch cfg.Output {
	case "", "stdout":
		zc.OutputPaths = []string{"stdout"}
		zc.ErrorOutputPaths = []string{"stderr"}
	default:
		zc.OutputPaths = []string{cfg.Output}
		zc.ErrorOutputPaths = []string{cfg.Output}
	}

	zc.DisableCaller = !cfg.AddCaller
	if cfg.AddCaller {
		zc.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	}
	// Stack traces only when asked for, and then on warnings too
	zc.DisableStacktrace = !cfg.Stacktrace
	zc.Development = cfg.Stacktrace

	return zc
}

func (l *sugared) Debug(msg string, fields ...interface{}) { l.s.Debugw(msg, fields...) }
func (l *sugared) Info(msg string, fields ...interface{})  { l.s.Infow(msg, fields...) }
func (l *sugared) Warn(msg string, fields ...interface{})  { l.s.Warnw(msg, fields...) }
func (l *sugared) Error(msg string, fields ...interface{}) { l.s.Errorw(msg, fields...) }

// Fatal logs and exits the process.
func (l *sugared) Fatal(msg string, fields ...interface{}) { l.s.Fatalw(msg, fields...) }

func (l *sugared) With(fields ...interface{}) Logger {
	return &sugared{s: l.s.With(fields...)}
}

// Sync flushes buffered entries. main defers it.
func Sync(l Logger) {
	if s, ok := l.(*sugared); ok {
		_ = s.s.Sync()
	}
}
