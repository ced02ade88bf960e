package kernel

import (
	"fmt"
	"sync"

	"github.com/rumi-labs/rumikernel/pkg/executor"
)

// HandlerRegistry is the kernel's dynamic `map<string, handler_fn>`
// (spec §9 Design Notes): populated at init with a startup assertion
// that every declared key is present, then mutated under a
// single-writer lock as new capability-backed handlers are installed,
// notifying a reload channel so dependents (FlowExecutor) can pick up
// the change.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]executor.HandlerFunc
	reload   chan struct{}
}

// NewHandlerRegistry builds a registry seeded with initial, failing
// fast if any name in required is missing.
func NewHandlerRegistry(required []string, initial map[string]executor.HandlerFunc) (*HandlerRegistry, error) {
	handlers := make(map[string]executor.HandlerFunc, len(initial))
	for k, v := range initial {
		handlers[k] = v
	}
	for _, name := range required {
		if _, ok := handlers[name]; !ok {
			return nil, fmt.Errorf("kernel: required handler %q is not registered at startup", name)
		}
	}
	return &HandlerRegistry{handlers: handlers, reload: make(chan struct{}, 1)}, nil
}

// Set installs or replaces a handler and signals Reload (non-blocking:
// a already-pending signal is coalesced, matching a level-triggered
// "something changed" notification rather than one event per change).
func (r *HandlerRegistry) Set(name string, fn executor.HandlerFunc) {
	r.mu.Lock()
	r.handlers[name] = fn
	r.mu.Unlock()
	select {
	case r.reload <- struct{}{}:
	default:
	}
}

// Get returns the handler registered under name, if any.
func (r *HandlerRegistry) Get(name string) (executor.HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[name]
	return fn, ok
}

// Snapshot returns a copy of the current handler map, suitable for
// assignment to executor.Executor.Handlers.
func (r *HandlerRegistry) Snapshot() map[string]executor.HandlerFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]executor.HandlerFunc, len(r.handlers))
	for k, v := range r.handlers {
		out[k] = v
	}
	return out
}

// Reload returns the channel a dependent should select on to learn the
// registry changed since the last Snapshot.
func (r *HandlerRegistry) Reload() <-chan struct{} {
	return r.reload
}
