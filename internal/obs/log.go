package obs

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	loggerMu sync.RWMutex
	logger   *zap.Logger
)

// Logger returns the shared structured logger used across the service.
func Logger() *zap.Logger {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	if l != nil {
		return l
	}

	loggerMu.Lock()
	defer loggerMu.Unlock()
	if logger == nil {
		logger = newProduction("info")
	}
	return logger
}

// SetLogger replaces the shared logger and returns a function restoring the previous one.
func SetLogger(l *zap.Logger) func() {
	loggerMu.Lock()
	prev := logger
	logger = l
	loggerMu.Unlock()
	return func() {
		loggerMu.Lock()
		logger = prev
		loggerMu.Unlock()
	}
}

// Configure installs a JSON logger at the given level ("debug", "info", "warn", "error").
func Configure(level string) *zap.Logger {
	l := newProduction(level)
	SetLogger(l)
	return l
}

func newProduction(level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	cfg.DisableStacktrace = true
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}
