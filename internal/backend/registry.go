package backend

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is the process-wide mapping from product name to driver
// factory, populated once at startup. Driver packages register themselves
// from an init() func via Register; the engine then builds one Driver
// instance per distinct (connection, product) host by calling New.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	instances map[string]Driver // "product|connection" -> cached instance
}

var global = &Registry{
	factories: make(map[string]Factory),
	instances: make(map[string]Driver),
}

// Global returns the process-wide registry that driver packages register
// into from their init() functions.
func Global() *Registry { return global }

// Register associates a product name with a driver factory. Called from a
// driver package's init(); panics on duplicate registration since that can
// only happen from a programming error (two packages claiming the same
// product), not a runtime condition.
func (r *Registry) Register(product string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[product]; exists {
		panic(fmt.Sprintf("backend: product %q registered twice", product))
	}
	r.factories[product] = factory
}

// Products returns the sorted list of registered product names.
func (r *Registry) Products() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for p := range r.factories {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Supports reports whether product resolves in the registry.
func (r *Registry) Supports(product string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[product]
	return ok
}

// New returns (creating and caching, if necessary) the Driver for the given
// product/connection pair. Returns false if the product is not registered;
// the caller (the engine) must treat that pool as unserviceable: logged
// once and skipped, never deleted.
func (r *Registry) New(product, connection string) (Driver, bool, error) {
	key := product + "|" + connection

	r.mu.RLock()
	if d, ok := r.instances[key]; ok {
		r.mu.RUnlock()
		return d, true, nil
	}
	factory, ok := r.factories[product]
	r.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	d, err := factory(connection)
	if err != nil {
		return nil, true, err
	}

	r.mu.Lock()
	r.instances[key] = d
	r.mu.Unlock()
	return d, true, nil
}

// Reset clears registered factories and cached instances. Used by tests.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories = make(map[string]Factory)
	r.instances = make(map[string]Driver)
}
