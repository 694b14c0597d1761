// Package observability carries gateway correlation through context: the
// request-scoped logger, the originating HTTP request id, and the evaluation
// id an operation concerns. Middleware writes, handlers and usecases read.
package observability

import (
	"context"
	"log/slog"
)

type loggerContextKey struct{}

type requestIDContextKey struct{}

// evalIDContextKey carries the evaluation id so logs emitted below the
// handler share the correlation key of the record they concern.
type evalIDContextKey struct{}

// ContextWithLogger attaches a non-nil logger to the context.
func ContextWithLogger(ctx context.Context, lg *slog.Logger) context.Context {
	if ctx == nil || lg == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerContextKey{}, lg)
}

// LoggerFromContext returns the logger stored in the context or the default
// slog logger when none is present. An eval id in the context is folded into
// the returned logger.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	lg := slog.Default()
	if ctx == nil {
		return lg
	}
	if v := ctx.Value(loggerContextKey{}); v != nil {
		if stored, ok := v.(*slog.Logger); ok && stored != nil {
			lg = stored
		}
	}
	if id := EvalIDFromContext(ctx); id != "" {
		lg = lg.With(slog.String("eval_id", id))
	}
	return lg
}

// ContextWithRequestID stores a non-empty request_id so downstream layers
// can correlate their logs with the originating HTTP request.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	if ctx == nil || requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDContextKey{}, requestID)
}

// RequestIDFromContext retrieves the request_id, or "" when none is present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(requestIDContextKey{}); v != nil {
		if rid, ok := v.(string); ok {
			return rid
		}
	}
	return ""
}

// ContextWithEvalID stores the evaluation id an operation concerns.
func ContextWithEvalID(ctx context.Context, evalID string) context.Context {
	if ctx == nil || evalID == "" {
		return ctx
	}
	return context.WithValue(ctx, evalIDContextKey{}, evalID)
}

// EvalIDFromContext retrieves the evaluation id, or "" when none is present.
func EvalIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(evalIDContextKey{}); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}
