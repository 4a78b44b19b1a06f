package logger

import (
	"context"
	"sync"
)

type contextKey struct{}

var (
	defaultLogger   = New(Config{})
	defaultLoggerMu sync.RWMutex
)

// SetDefault replaces the logger returned by FromContext when the context
// carries none.
func SetDefault(l *Logger) {
	if l == nil {
		return
	}
	defaultLoggerMu.Lock()
	defaultLogger = l
	defaultLoggerMu.Unlock()
}

func Default() *Logger {
	defaultLoggerMu.RLock()
	defer defaultLoggerMu.RUnlock()
	return defaultLogger
}

// Into attaches l to ctx.
func Into(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, l)
}

// FromContext returns the context logger, or the default one.
func FromContext(ctx context.Context) *Logger {
	if ctx != nil {
		if l, ok := ctx.Value(contextKey{}).(*Logger); ok && l != nil {
			return l
		}
	}
	return Default()
}

// WithFields enriches the context logger and returns the derived context.
func WithFields(ctx context.Context, fields Fields) context.Context {
	return Into(ctx, FromContext(ctx).With(fields))
}

// RequestID returns the request id recorded on the context logger, if any.
func RequestID(ctx context.Context) string {
	v, _ := FromContext(ctx).Data[FieldRequestID].(string)
	return v
}
