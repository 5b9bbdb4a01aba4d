// Package klog provides the package-level structured logger used across
// the orchestrator. It mirrors the call shape of a global sugared logger:
// top-level Infof/Warnf/Errorf/Fatalf plus With(...) for attaching fields
// to a derived logger, backed by zap.
package klog

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu      sync.RWMutex
	sugar   = mustDefault()
	testing bool
)

func mustDefault() *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Fall back to a bare stderr logger rather than panic on import.
		l = zap.NewExample()
	}
	return l.Sugar()
}

// Config controls how the global logger is constructed.
type Config struct {
	Level string `yaml:"level"` // debug|info|warn|error
	JSON  bool   `yaml:"json"`
}

// Configure installs a new global logger built from cfg. Call once during
// process startup, before any goroutine logs.
func Configure(cfg Config) error {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return err
		}
	}

	var encoder zapcore.Encoder
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.JSON {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level)
	l := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))

	mu.Lock()
	sugar = l.Sugar()
	mu.Unlock()
	return nil
}

func current() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return sugar
}

// With returns a logger derived from the global logger with the given
// alternating key/value fields attached.
func With(args ...interface{}) *zap.SugaredLogger {
	return current().With(args...)
}

// Debugf logs at debug level.
func Debugf(format string, args ...interface{}) { current().Debugf(format, args...) }

// Infof logs at info level.
func Infof(format string, args ...interface{}) { current().Infof(format, args...) }

// Warnf logs at warn level.
func Warnf(format string, args ...interface{}) { current().Warnf(format, args...) }

// Errorf logs at error level.
func Errorf(format string, args ...interface{}) { current().Errorf(format, args...) }

// Fatalf logs at fatal level then calls os.Exit(1).
func Fatalf(format string, args ...interface{}) { current().Fatalf(format, args...) }

// Sync flushes any buffered log entries. Call before process exit.
func Sync() error {
	return current().Sync()
}
