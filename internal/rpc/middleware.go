package rpc

import (
	"context"
	"time"

	"github.com/sessionforge/sessioncore/internal/telemetry"
)

// Next invokes the remainder of the middleware chain (or, at the
// innermost link, the dispatcher's own method lookup/invoke path).
type Next func(ctx context.Context, connectionID string, req Request) Response

// Middleware wraps a Next, and may short-circuit by returning a Response
// without calling it. Middlewares run in registration order: the first
// registered is outermost, so it sees the request first and the response
// last.
type Middleware func(ctx context.Context, connectionID string, req Request, next Next) Response

// chain composes middlewares (in registration order) around a terminal
// Next.
func chain(mws []Middleware, terminal Next) Next {
	next := terminal
	for i := len(mws) - 1; i >= 0; i-- {
		mw := mws[i]
		prev := next
		next = func(ctx context.Context, connectionID string, req Request) Response {
			return mw(ctx, connectionID, req, prev)
		}
	}
	return next
}

// IdempotencyMiddleware returns cached responses for requests carrying an
// IdempotencyKey and caches fresh ones on the way back out. Requests with
// no IdempotencyKey pass through untouched.
func IdempotencyMiddleware(cache *IdempotencyCache) Middleware {
	return func(ctx context.Context, connectionID string, req Request, next Next) Response {
		if req.IdempotencyKey == "" || cache == nil {
			return next(ctx, connectionID, req)
		}
		if cached, ok := cache.Get(connectionID, req.IdempotencyKey); ok {
			return cached
		}
		resp := next(ctx, connectionID, req)
		cache.Put(connectionID, req.IdempotencyKey, resp)
		return resp
	}
}

// LoggingMiddleware logs every request's method, outcome, and latency.
func LoggingMiddleware(log telemetry.Logger) Middleware {
	return func(ctx context.Context, connectionID string, req Request, next Next) Response {
		if log == nil {
			return next(ctx, connectionID, req)
		}
		start := time.Now()
		resp := next(ctx, connectionID, req)
		elapsed := time.Since(start)
		if resp.Success {
			log.Info(ctx, "rpc request", "connectionId", connectionID, "method", req.Method, "id", req.ID, "elapsed", elapsed.String())
		} else {
			log.Warn(ctx, "rpc request failed", "connectionId", connectionID, "method", req.Method, "id", req.ID, "elapsed", elapsed.String(), "code", resp.Error.Code, "message", resp.Error.Message)
		}
		return resp
	}
}

// AuthnFunc authenticates one request for one connection. It returns a
// non-nil error to reject the call; the error's message surfaces as
// CodePermissionDenied.
type AuthnFunc func(ctx context.Context, connectionID string, req Request) error

// AuthnMiddleware rejects requests AuthnFunc refuses. Installing it is
// optional — a Dispatcher built with no AuthnFunc configured never adds
// this middleware at all.
func AuthnMiddleware(authn AuthnFunc) Middleware {
	return func(ctx context.Context, connectionID string, req Request, next Next) Response {
		if authn == nil {
			return next(ctx, connectionID, req)
		}
		if err := authn(ctx, connectionID, req); err != nil {
			return errorResponse(req.ID, NewError(CodePermissionDenied, err.Error()))
		}
		return next(ctx, connectionID, req)
	}
}
