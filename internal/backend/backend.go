// Package backend defines the abstract interface hypervisor/container
// drivers implement and the process-wide registry that maps a pool's host
// product to the driver that serves it.
//
// A driver is polymorphic over a small capability set: clone, destroy, list,
// start, ip_get, attributes_get, new_name_get and timing_get. Drivers live in
// their own packages (see internal/backend/dockerdriver, .../fakedriver) and
// register themselves into the Registry from an init() func, the Go-native
// equivalent of scanning a configured list of plugin packages.
package backend

import (
	"context"
	"errors"
	"time"
)

// StartState is the result of Driver.Start.
type StartState string

const (
	StartRunning StartState = "RUNNING"
	StartStopped StartState = "STOPPED"
	StartNone    StartState = "NONE"
)

// TimingOp names an operation whose recommended retry/backoff delay is
// driver-specific, returned by Driver.TimingGet.
type TimingOp string

const (
	TimingDestroy TimingOp = "DESTROY"
	TimingClone   TimingOp = "CLONE"
	TimingAttr    TimingOp = "ATTR"
)

// Sentinel errors a Driver implementation returns; callers (the executor)
// branch on these via errors.Is.
var (
	// ErrBackendUnavailable signals a transport-level failure talking to the backend.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrNotFound signals an operation targeted a missing object.
	ErrNotFound = errors.New("backend object not found")
	// ErrAlreadyExists is returned by Clone when the name is already taken;
	// callers treat this as success.
	ErrAlreadyExists = errors.New("backend object already exists")
	// ErrFatalBackend signals the driver cannot recover; the resource should
	// be marked BAD rather than retried.
	ErrFatalBackend = errors.New("fatal backend error")
)

// Driver is the abstract hypervisor/container backend interface. Every
// method must be safe to call concurrently with itself for distinct names;
// the engine never calls two methods for the same resource name at once.
type Driver interface {
	// List returns the set of resource names the backend currently has for
	// the pool's template, excluding the template itself.
	List(ctx context.Context, templateName string) ([]string, error)

	// Clone creates name from template. Returns ErrAlreadyExists (treated as
	// success by callers) if name already exists on the backend.
	Clone(ctx context.Context, templateName, name string) error

	// Destroy removes name. It is idempotent: ErrNotFound is treated as
	// success by callers.
	Destroy(ctx context.Context, name string) error

	// Start brings name up and reports its resulting run state.
	Start(ctx context.Context, name string) (StartState, error)

	// IPGet returns name's discovered address, or "" if not yet available.
	IPGet(ctx context.Context, name string) (string, error)

	// AttributesGet returns arbitrary backend-reported metadata for name.
	AttributesGet(ctx context.Context, name string) (map[string]string, error)

	// NewNameGet derives the deterministic resource name for the i-th
	// instance of a template.
	NewNameGet(templateName string, index int) string

	// TimingGet returns the driver's recommended retry/backoff delay for op.
	TimingGet(op TimingOp) time.Duration

	// Check validates the connection is usable.
	Check(ctx context.Context) error
}

// Factory constructs a Driver bound to a specific host connection string.
type Factory func(connection string) (Driver, error)
