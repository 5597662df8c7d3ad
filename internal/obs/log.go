package obs

import (
	"log/slog"
	"os"
	"sync"
)

var (
	loggerMu sync.RWMutex
	logger   = slog.New(slog.NewJSONHandler(os.Stdout, nil))
)

// Logger returns the shared structured logger used across the service.
func Logger() *slog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

// SetLogger replaces the shared logger and returns a function restoring the
// previous one.
func SetLogger(l *slog.Logger) (restore func()) {
	loggerMu.Lock()
	prev := logger
	if l != nil {
		logger = l
	}
	loggerMu.Unlock()
	return func() {
		loggerMu.Lock()
		logger = prev
		loggerMu.Unlock()
	}
}

// Resolve returns l, or the shared logger when l is nil.
func Resolve(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Logger()
	}
	return l
}
