// ABOUTME: Elicitation router selecting a handler by target priority
// ABOUTME: Timeouts, missing handlers and handler errors resolve to schema defaults

package elicitation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// RouterConfig configures a Router.
type RouterConfig struct {
	// DefaultTimeout applies to requests without TimeoutSeconds.
	DefaultTimeout time.Duration
	Logger         *slog.Logger
	Now            func() time.Time
}

// Router dispatches requests to registered handlers.
type Router struct {
	mu             sync.RWMutex
	handlers       map[Target]Handler
	defaultTimeout time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

// NewRouter creates a router with no handlers.
func NewRouter(cfg RouterConfig) *Router {
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = DefaultTimeoutSeconds * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Router{
		handlers:       make(map[Target]Handler),
		defaultTimeout: timeout,
		logger:         logger.With("component", "elicitation"),
		now:            now,
	}
}

// Register installs h for target, replacing any previous handler.
func (r *Router) Register(target Target, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[target] = h
}

// Unregister removes the handler for target.
func (r *Router) Unregister(target Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, target)
}

// Available lists targets with handlers in priority order.
func (r *Router) Available() []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []Target{}
	for _, t := range TargetPriority {
		if _, ok := r.handlers[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

// resolve returns the handler for preferred, or the highest-priority
// registered handler.
func (r *Router) resolve(preferred Target) (Target, Handler) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if preferred != TargetAuto && preferred != "" {
		if h, ok := r.handlers[preferred]; ok {
			return preferred, h
		}
	}
	for _, t := range TargetPriority {
		if h, ok := r.handlers[t]; ok {
			return t, h
		}
	}
	return "", nil
}

// Route asks a human to answer req. It never returns nil; when no human
// answers, the response carries schema defaults and WasDefault.
func (r *Router) Route(ctx context.Context, req *Request, preferred Target) *Response {
	target, h := r.resolve(preferred)
	if h == nil {
		r.logger.Warn("no elicitation handler, using defaults", "request_id", req.ID, "preferred", preferred)
		return r.defaulted(req, TargetAuto, false)
	}

	timeout := req.Timeout(r.defaultTimeout)
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	values, err := h.Elicit(hctx, req)
	if err != nil {
		timedOut := errors.Is(err, context.DeadlineExceeded) || errors.Is(hctx.Err(), context.DeadlineExceeded)
		if timedOut {
			r.logger.Warn("elicitation timed out, using defaults", "request_id", req.ID, "target", target, "timeout", timeout)
		} else {
			r.logger.Warn("elicitation handler failed, using defaults", "request_id", req.ID, "target", target, "error", err)
		}
		return r.defaulted(req, target, timedOut)
	}
	if values == nil {
		return r.defaulted(req, target, false)
	}

	// Fill anything the human left out with the fail-safe default. Values
	// outside a property's enum are replaced by the default too.
	merged := DefaultResponse(req.Schema)
	for k, v := range values {
		if p, ok := req.Schema.Properties[k]; ok && !p.allows(v) {
			r.logger.Warn("elicitation value outside enum, using default",
				"request_id", req.ID,
				"property", k,
				"allowed", p.EnumValues)
			continue
		}
		merged[k] = v
	}

	r.logger.Info("elicitation answered", "request_id", req.ID, "target", target)
	return &Response{
		RequestID:   req.ID,
		Response:    merged,
		Target:      target,
		RespondedAt: r.now().UTC(),
	}
}

func (r *Router) defaulted(req *Request, target Target, timedOut bool) *Response {
	return &Response{
		RequestID:   req.ID,
		Response:    DefaultResponse(req.Schema),
		Target:      target,
		RespondedAt: r.now().UTC(),
		WasDefault:  true,
		TimeoutUsed: timedOut,
	}
}
