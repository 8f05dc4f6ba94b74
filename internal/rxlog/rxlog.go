// Package rxlog wraps go.uber.org/zap's SugaredLogger so call sites never
// import zap directly, keeping the structured logger behind a single
// internal package.
package rxlog

import "go.uber.org/zap"

var base *zap.Logger

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	base = l
}

// Logger is a named, key/value structured logger.
type Logger struct {
	s *zap.SugaredLogger
}

// Named returns a Logger scoped to pkg, used as the top-level log field.
func Named(pkg string) *Logger {
	return &Logger{s: base.Named(pkg).Sugar()}
}

func (l *Logger) Infow(msg string, kv ...any)  { l.s.Infow(msg, kv...) }
func (l *Logger) Warnw(msg string, kv ...any)  { l.s.Warnw(msg, kv...) }
func (l *Logger) Errorw(msg string, kv ...any) { l.s.Errorw(msg, kv...) }
func (l *Logger) Debugw(msg string, kv ...any) { l.s.Debugw(msg, kv...) }

// Sync flushes any buffered log entries; callers should defer it in main.
func Sync() { _ = base.Sync() }
