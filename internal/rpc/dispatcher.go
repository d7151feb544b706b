package rpc

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sessionforge/sessioncore/internal/telemetry"
)

// DefaultRequestTimeout is the client-visible bound on one Handle call.
const DefaultRequestTimeout = 60 * time.Second

// DispatcherConfig wires a Dispatcher's collaborators. IdempotencyCache and
// Authn are both optional; omitting Authn disables the authn middleware
// entirely rather than installing a no-op.
type DispatcherConfig struct {
	Registry         *Registry
	Managers         func(name string) bool
	IdempotencyCache *IdempotencyCache
	Authn            AuthnFunc
	Log              telemetry.Logger
	RequestTimeout   time.Duration
}

// Dispatcher validates, routes, and executes one Request at a time per
// call, through the standard middleware chain: idempotency, logging, and
// authn when configured.
type Dispatcher struct {
	registry       *Registry
	managers       func(name string) bool
	middlewares    []Middleware
	log            telemetry.Logger
	requestTimeout time.Duration
}

// NewDispatcher builds a Dispatcher. A nil cfg.Managers treats every
// manager as available, so RequiredManagers checks are a no-op unless the
// caller supplies a real availability function.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	managers := cfg.Managers
	if managers == nil {
		managers = func(string) bool { return true }
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	d := &Dispatcher{
		registry:       cfg.Registry,
		managers:       managers,
		log:            cfg.Log,
		requestTimeout: timeout,
	}
	d.middlewares = append(d.middlewares, IdempotencyMiddleware(cfg.IdempotencyCache))
	d.middlewares = append(d.middlewares, LoggingMiddleware(cfg.Log))
	if cfg.Authn != nil {
		d.middlewares = append(d.middlewares, AuthnMiddleware(cfg.Authn))
	}
	return d
}

// Handle dispatches one request for one connection through the
// middleware chain and the method registry, bounding total work by the
// dispatcher's request timeout.
func (d *Dispatcher) Handle(ctx context.Context, connectionID string, req Request) Response {
	ctx, cancel := context.WithTimeout(ctx, d.requestTimeout)
	defer cancel()

	terminal := func(ctx context.Context, connectionID string, req Request) Response {
		return d.invoke(ctx, req)
	}
	return chain(d.middlewares, terminal)(ctx, connectionID, req)
}

// invoke performs the registry lookup, param/manager validation, and
// handler call — the innermost link of the middleware chain.
func (d *Dispatcher) invoke(ctx context.Context, req Request) Response {
	method, ok := d.registry.Lookup(req.Method)
	if !ok {
		return errorResponse(req.ID, NewError(CodeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method)))
	}

	params, err := decodeParams(req.Params)
	if err != nil {
		return errorResponse(req.ID, NewError(CodeInvalidParams, err.Error()))
	}
	if missing := missingParams(method.RequiredParams, params); len(missing) > 0 {
		return errorResponse(req.ID, NewError(CodeInvalidParams, fmt.Sprintf("missing required params: %s", strings.Join(missing, ", "))))
	}
	if missing := missingManagers(method.RequiredManagers, d.managers); len(missing) > 0 {
		return errorResponse(req.ID, NewError(CodeNotAvailable, fmt.Sprintf("required managers not available: %s", strings.Join(missing, ", "))))
	}

	result, err := method.Handler(ctx, req, params)
	if err != nil {
		return errorResponse(req.ID, err)
	}
	return successResponse(req.ID, result)
}
