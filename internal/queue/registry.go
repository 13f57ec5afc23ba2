package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Handler processes one claimed job. It receives the job id and the raw
// payload; a non-nil return transitions the job to failed.
type Handler func(ctx context.Context, jobID string, data json.RawMessage) error

// NewHandler adapts a typed perform function into a Handler. The payload is
// deserialized into Args before perform runs; a deserialization failure is a
// handler error, so the job fails with the message recorded.
//
// perform runs under panic isolation: a panicking handler fails the job but
// never kills the worker goroutine that ran it.
func NewHandler[Args any](perform func(ctx context.Context, args Args) error) Handler {
	return func(ctx context.Context, _ string, data json.RawMessage) error {
		var args Args
		if len(data) > 0 {
			if err := json.Unmarshal(data, &args); err != nil {
				return fmt.Errorf("deserializing job payload: %w", err)
			}
		}
		return performSafely(ctx, perform, args)
	}
}

func performSafely[Args any](ctx context.Context, perform func(context.Context, Args) error, args Args) (err error) {
	defer func() {
		if r := recover(); r != nil {
			switch v := r.(type) {
			case string:
				err = errors.New(v)
			case error:
				err = v
			default:
				err = errors.New("unknown panic")
			}
		}
	}()
	return perform(ctx, args)
}

// Registry maps job names to handlers. Registration happens during setup;
// Run snapshots the map, after which further registration is rejected so
// running workers never observe a mutating registry.
type Registry struct {
	logger *slog.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	running  bool
}

// NewRegistry creates an empty handler registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:   logger,
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a job name. Re-registering a name before Run
// replaces the previous handler; registering after Run has started is an
// error.
func (r *Registry) Register(name string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("cannot register %q: workers are already running", name)
	}
	r.handlers[name] = h
	return nil
}

// snapshot marks the registry as running and returns a read-only copy of the
// handler map for the workers to share.
func (r *Registry) snapshot() map[string]Handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = true
	handlers := make(map[string]Handler, len(r.handlers))
	for name, h := range r.handlers {
		handlers[name] = h
	}
	return handlers
}
