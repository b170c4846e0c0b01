// Package halog carries a structured logger on a context.Context, the
// same shape the teacher runtime threads its leveled logger through
// context.T: callers fetch the logger with From(ctx) rather than reach
// for a package-global.
package halog

import (
	"context"

	"go.uber.org/zap"
)

type ctxKey struct{}

var fallback = zap.NewNop().Sugar()

// With returns a context carrying logger for subsequent calls to From.
func With(ctx context.Context, logger *zap.SugaredLogger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// From returns the logger carried on ctx, or a no-op logger if none was
// attached.
func From(ctx context.Context) *zap.SugaredLogger {
	if l, ok := ctx.Value(ctxKey{}).(*zap.SugaredLogger); ok && l != nil {
		return l
	}
	return fallback
}

// NewDevelopment builds a human-readable development logger, used by
// cmd/halibut-echo to show connection lifecycle chatter.
func NewDevelopment() *zap.SugaredLogger {
	l, err := zap.NewDevelopment()
	if err != nil {
		return fallback
	}
	return l.Sugar()
}
