// Package engine implements the reconciliation core: the pool adapter
// (§4.E), the action executor (§4.F), the scheduler loop (§4.G) and the
// setup bootstrap (§4.I). It is the Go-native rewrite of the original
// daemon's algo.py/server.py reconciliation loop, restructured around
// explicit Store/Driver interfaces instead of module-level globals.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/testpool/testpoold/internal/backend"
	"github.com/testpool/testpoold/internal/domain"
	"github.com/testpool/testpoold/internal/logging"
	"github.com/testpool/testpoold/internal/metrics"
	"github.com/testpool/testpoold/internal/notify"
	"github.com/testpool/testpoold/internal/store"
)

// DefaultMaxAttempts is the retry cap before a failing action gives up and
// marks its resource BAD; five attempts balances transient-fault tolerance
// against leaving a hopelessly broken backend object retried forever.
const DefaultMaxAttempts = 5

// Engine wires the persistence layer, the driver registry, the optional
// wakeup notifier and observability together. It holds no resource state
// itself (Store is always the source of truth).
type Engine struct {
	Store       store.Store
	Registry    *backend.Registry
	Notifier    notify.Notifier
	Metrics     *metrics.Metrics
	Profile     *logging.ProfileLogger
	MaxAttempts int
}

// New constructs an Engine. A nil Notifier defaults to NoopNotifier, a nil
// Metrics set disables metric recording (its methods are nil-receiver
// safe), and MaxAttempts <= 0 defaults to DefaultMaxAttempts.
func New(st store.Store, registry *backend.Registry) *Engine {
	return &Engine{
		Store:       st,
		Registry:    registry,
		Notifier:    notify.NewNoopNotifier(),
		Profile:     logging.DefaultProfileLogger(),
		MaxAttempts: DefaultMaxAttempts,
	}
}

// driverFor resolves the Driver serving pool's host. ok is false (with a
// nil error) when the host's product has no registered driver; the pool
// is unserviceable and must be skipped, not deleted.
func (e *Engine) driverFor(ctx context.Context, pool *domain.Pool) (backend.Driver, bool, error) {
	host, err := e.Store.GetHost(ctx, pool.HostID)
	if err != nil {
		return nil, false, fmt.Errorf("resolve host for pool %s: %w", pool.Name, err)
	}
	driver, ok, err := e.Registry.New(host.Product, host.Connection)
	if err != nil {
		return nil, false, fmt.Errorf("construct driver for host %s: %w", host.Connection, err)
	}
	if !ok {
		if _, seen := unserviceableLogged.LoadOrStore(pool.ID, struct{}{}); !seen {
			logging.Op().Warn("pool host product not registered, skipping",
				"pool", pool.Name, "product", host.Product)
		}
		return nil, false, nil
	}
	return driver, true, nil
}

// unserviceableLogged holds the IDs of pools already reported by driverFor
// as unserviceable, so each is logged once per process.
var unserviceableLogged sync.Map

func (e *Engine) maxAttempts() int {
	if e.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return e.MaxAttempts
}

// logPending dumps every non-READY resource's status/action/action_time at
// debug level, restoring the original daemon's per-iteration visibility
// into what the scheduler is about to do (grounded on testpool/core/server.py's
// events_show).
func (e *Engine) logPending(ctx context.Context, poolID string) {
	logger := logging.Op()
	if !logger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	resources, err := e.Store.ListActionable(ctx, poolID)
	if err != nil {
		return
	}
	for _, r := range resources {
		logger.Debug("pending resource",
			"pool", poolID, "resource", r.Name, "status", string(r.Status),
			"action", string(r.Action), "action_time", r.ActionTime)
	}
}
