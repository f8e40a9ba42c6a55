package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// HandlerFunc is the contract between the engine and a per-operation
// business logic body: invoked once per target school with the job's
// opaque parameters, it returns a result payload or an error. Handlers
// must return an error on failure rather than swallowing it; the engine
// records the error as that target's outcome.
type HandlerFunc func(ctx context.Context, targetID string, params map[string]any) (map[string]any, error)

// Dispatcher maps operation names to handlers. It is safe for concurrent
// use; operations may be registered after startup.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewDispatcher creates a dispatcher pre-populated with the built-in
// administrative operations.
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[string]HandlerFunc),
	}
	registerBuiltins(d)
	return d
}

// Register adds or replaces the handler for an operation name.
func (d *Dispatcher) Register(operation string, handler HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[operation] = handler
}

// Registered reports whether a handler exists for the operation. The
// controller uses this at creation time so typos fail fast instead of
// producing a job whose every target fails.
func (d *Dispatcher) Registered(operation string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[operation]
	return ok
}

// Operations returns the registered operation names, sorted.
func (d *Dispatcher) Operations() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch invokes the handler for the operation against one target.
// An unregistered operation returns ErrUnknownOperation.
func (d *Dispatcher) Dispatch(ctx context.Context, operation, targetID string, params map[string]any) (map[string]any, error) {
	d.mu.RLock()
	handler, ok := d.handlers[operation]
	d.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, operation)
	}

	return handler(ctx, targetID, params)
}
