// Package fakedriver is an in-memory backend.Driver used by tests and by
// local development without a real hypervisor or container runtime.
package fakedriver

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/testpool/testpoold/internal/backend"
)

const product = "fake"

func init() {
	backend.Global().Register(product, New)
}

type object struct {
	template string
	ip       string
	attrs    map[string]string
}

// Driver tracks cloned objects per connection string, so distinct hosts
// using this product don't see each other's names.
type Driver struct {
	mu      sync.Mutex
	objects map[string]*object

	// FailClone, when set, makes Clone return this error for the named
	// object instead of creating it. Tests use this to exercise the
	// BAD-marking path of the executor.
	FailClone map[string]error
}

// New constructs a fake driver, satisfying backend.Factory. The connection
// string is ignored; each call returns an independent instance state
// (callers that want to share state across hosts should keep their own
// reference instead of relying on the registry cache).
func New(connection string) (backend.Driver, error) {
	return &Driver{objects: make(map[string]*object)}, nil
}

func (d *Driver) Check(ctx context.Context) error { return nil }

func (d *Driver) List(ctx context.Context, templateName string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var names []string
	for name, obj := range d.objects {
		if obj.template == templateName {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (d *Driver) Clone(ctx context.Context, templateName, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err, ok := d.FailClone[name]; ok {
		return err
	}
	if _, exists := d.objects[name]; exists {
		return backend.ErrAlreadyExists
	}
	d.objects[name] = &object{
		template: templateName,
		ip:       fmt.Sprintf("10.0.0.%d", len(d.objects)+1),
		attrs:    map[string]string{"template": templateName},
	}
	return nil
}

func (d *Driver) Destroy(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.objects[name]; !exists {
		return backend.ErrNotFound
	}
	delete(d.objects, name)
	return nil
}

func (d *Driver) Start(ctx context.Context, name string) (backend.StartState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.objects[name]; !exists {
		return backend.StartNone, backend.ErrNotFound
	}
	return backend.StartRunning, nil
}

func (d *Driver) IPGet(ctx context.Context, name string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	obj, exists := d.objects[name]
	if !exists {
		return "", backend.ErrNotFound
	}
	return obj.ip, nil
}

func (d *Driver) AttributesGet(ctx context.Context, name string) (map[string]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	obj, exists := d.objects[name]
	if !exists {
		return nil, backend.ErrNotFound
	}
	out := make(map[string]string, len(obj.attrs))
	for k, v := range obj.attrs {
		out[k] = v
	}
	return out, nil
}

func (d *Driver) NewNameGet(templateName string, index int) string {
	return templateName + "-" + strconv.Itoa(index)
}

func (d *Driver) TimingGet(op backend.TimingOp) time.Duration {
	return 10 * time.Millisecond
}
