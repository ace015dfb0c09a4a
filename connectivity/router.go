// Package connectivity routes named cross-context messages to their handlers.
//
// Every message a page sends to the background ("update", "metrics",
// "clearAllMetrics", ...) is a service on the router. Handlers take and
// return JSON bytes, so the same handler serves in-process callers, the HTTP
// message endpoint and tests.
//
//	router := connectivity.New(connectivity.WithMiddleware(connectivity.Recovery(logger)))
//	router.RegisterLocal("metrics", svc.handleMetrics)
//	resp, err := router.Call(ctx, "metrics", payload)
package connectivity

import (
	"context"
	"log/slog"
	"sync"
)

// Handler is a transport-agnostic service function: bytes in, bytes out.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// Router dispatches service calls to registered handlers.
// Reads use RLock, registration uses the full Lock.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	disabled map[string]bool
	mw       []HandlerMiddleware
	logger   *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets a custom logger for the router.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithMiddleware wraps every handler registered after construction.
func WithMiddleware(mws ...HandlerMiddleware) Option {
	return func(r *Router) { r.mw = append(r.mw, mws...) }
}

// New creates an empty Router.
func New(opts ...Option) *Router {
	r := &Router{
		handlers: make(map[string]Handler),
		disabled: make(map[string]bool),
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RegisterLocal registers the handler for a service, replacing any previous one.
func (r *Router) RegisterLocal(service string, h Handler) {
	if len(r.mw) > 0 {
		h = Chain(r.mw...)(h)
	}
	r.mu.Lock()
	r.handlers[service] = h
	r.mu.Unlock()
}

// Unregister removes a service.
func (r *Router) Unregister(service string) {
	r.mu.Lock()
	delete(r.handlers, service)
	delete(r.disabled, service)
	r.mu.Unlock()
}

// SetDisabled turns a service into a noop: calls succeed with a nil
// response and the handler is not invoked.
func (r *Router) SetDisabled(service string, disabled bool) {
	r.mu.Lock()
	if disabled {
		r.disabled[service] = true
	} else {
		delete(r.disabled, service)
	}
	r.mu.Unlock()
}

// Call dispatches a service call. The resolution order is:
//  1. Disabled service: silently succeeds.
//  2. Registered handler.
//  3. *ErrServiceNotFound.
func (r *Router) Call(ctx context.Context, service string, payload []byte) ([]byte, error) {
	r.mu.RLock()
	h := r.handlers[service]
	off := r.disabled[service]
	r.mu.RUnlock()

	if off {
		r.logger.DebugContext(ctx, "connectivity: noop", "service", service)
		return nil, nil
	}
	if h == nil {
		return nil, &ErrServiceNotFound{Service: service}
	}
	r.logger.DebugContext(ctx, "connectivity: call", "service", service, "payload_bytes", len(payload))
	return h(ctx, payload)
}
