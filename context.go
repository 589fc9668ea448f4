package seamstress

import (
	"context"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// ctxKey is the base for all context keys in seamstress (prevents collisions).
type ctxKey string

const (
	loggerCtxKey ctxKey = "seamstress:logger"
	clockCtxKey  ctxKey = "seamstress:clock"
	stateCtxKey  ctxKey = "seamstress:state"
)

func injectLogger(ctx context.Context, l *xlog.Logger) context.Context {
	if l == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerCtxKey, l)
}

// LoggerFromContext retrieves the runtime logger injected for handlers.
func LoggerFromContext(ctx context.Context) (*xlog.Logger, bool) {
	if v := ctx.Value(loggerCtxKey); v != nil {
		if l, ok := v.(*xlog.Logger); ok && l != nil {
			return l, true
		}
	}
	return nil, false
}

func injectClock(ctx context.Context, c xclock.Clock) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, clockCtxKey, c)
}

// ClockFromContext retrieves the runtime clock injected for handlers.
func ClockFromContext(ctx context.Context) (xclock.Clock, bool) {
	if v := ctx.Value(clockCtxKey); v != nil {
		if c, ok := v.(xclock.Clock); ok && c != nil {
			return c, true
		}
	}
	return nil, false
}

func injectState(ctx context.Context, s StateReader) context.Context {
	if s == nil {
		return ctx
	}
	return context.WithValue(ctx, stateCtxKey, s)
}

// StateFromContext retrieves the lifecycle phase reader.
func StateFromContext(ctx context.Context) (StateReader, bool) {
	if v := ctx.Value(stateCtxKey); v != nil {
		if s, ok := v.(StateReader); ok && s != nil {
			return s, true
		}
	}
	return nil, false
}

// InjectAll is a convenience helper to inject all standard dependencies.
func InjectAll(ctx context.Context, logger *xlog.Logger, clock xclock.Clock, state StateReader) context.Context {
	ctx = injectLogger(ctx, logger)
	ctx = injectClock(ctx, clock)
	ctx = injectState(ctx, state)
	return ctx
}
