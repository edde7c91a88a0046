// Package logging provides the package-level Debugf/Infof/Warnf/Errorf
// surface used throughout this module, backed by zap.
package logging

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var current atomic.Value // holds *zap.SugaredLogger

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	current.Store(l.Sugar())
}

var setMu sync.Mutex

// SetLogger replaces the process-wide logger. Tests typically install a
// zaptest or development logger here.
func SetLogger(l *zap.SugaredLogger) {
	setMu.Lock()
	defer setMu.Unlock()
	current.Store(l)
}

func get() *zap.SugaredLogger {
	return current.Load().(*zap.SugaredLogger)
}

func Debugf(format string, args ...interface{}) {
	get().Debugf(format, args...)
}

func Infof(format string, args ...interface{}) {
	get().Infof(format, args...)
}

func Warnf(format string, args ...interface{}) {
	get().Warnf(format, args...)
}

func Errorf(format string, args ...interface{}) {
	get().Errorf(format, args...)
}

func Fatalf(format string, args ...interface{}) {
	get().Fatalf(format, args...)
}
