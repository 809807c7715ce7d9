// Package dispatch routes incoming envelopes to handlers registered by
// payload type.
package dispatch

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/asaplabs/asap-go/asap"
	"github.com/asaplabs/asap-go/logger"
	"github.com/asaplabs/asap-go/metrics"
)

// Handler processes one envelope and returns the response envelope, or nil
// for fire-and-forget payload types.
type Handler func(ctx context.Context, env *asap.Envelope, man *asap.Manifest) (*asap.Envelope, error)

// DefaultAsyncWorkers bounds the number of concurrently running async
// dispatches.
const DefaultAsyncWorkers = 16

// Result carries the outcome of an async dispatch.
type Result struct {
	Envelope *asap.Envelope
	Err      error
}

// Registry maps payload types to handlers. Registration and dispatch are
// safe to call concurrently; handlers run outside the registry lock so
// dispatches parallelize.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	workers  *semaphore.Weighted
}

// NewRegistry returns a Registry whose async dispatches run on a pool of
// maxWorkers goroutines. maxWorkers <= 0 uses DefaultAsyncWorkers.
func NewRegistry(maxWorkers int64) *Registry {
	if maxWorkers <= 0 {
		maxWorkers = DefaultAsyncWorkers
	}
	return &Registry{
		handlers: make(map[string]Handler),
		workers:  semaphore.NewWeighted(maxWorkers),
	}
}

// Register installs a handler for a payload type, replacing any previous
// registration.
func (r *Registry) Register(payloadType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[payloadType] = h
}

// Handlers returns a copy of the registered payload-type map.
func (r *Registry) Handlers() map[string]Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Handler, len(r.handlers))
	for k, v := range r.handlers {
		out[k] = v
	}
	return out
}

func (r *Registry) lookup(payloadType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[payloadType]
	return h, ok
}

// Dispatch runs the handler for the envelope's payload type synchronously.
func (r *Registry) Dispatch(ctx context.Context, env *asap.Envelope, man *asap.Manifest) (*asap.Envelope, error) {
	h, ok := r.lookup(env.PayloadType)
	if !ok {
		metrics.RecordDispatch(env.PayloadType, "handler_not_found", 0)
		return nil, asap.NewError(asap.AreaTransport, asap.KindHandlerNotFound, "dispatch", nil).
			WithDetails(map[string]any{"payload_type": env.PayloadType})
	}

	start := time.Now()
	resp, err := h(ctx, env, man)
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.RecordDispatch(env.PayloadType, status, time.Since(start).Seconds())
	logger.DispatchResult(env.ID, env.PayloadType, err)
	return resp, err
}

// DispatchAsync runs the handler on the bounded worker pool and delivers
// the outcome on the returned channel. Slow handlers consume a pool slot,
// not the caller's goroutine.
func (r *Registry) DispatchAsync(ctx context.Context, env *asap.Envelope, man *asap.Manifest) <-chan Result {
	out := make(chan Result, 1)

	if err := r.workers.Acquire(ctx, 1); err != nil {
		out <- Result{Err: err}
		close(out)
		return out
	}

	go func() {
		defer r.workers.Release(1)
		defer close(out)
		resp, err := r.Dispatch(ctx, env, man)
		out <- Result{Envelope: resp, Err: err}
	}()

	return out
}
