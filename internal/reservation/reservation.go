// Package reservation implements the pool's acquire/release API.
// Acquisition claims a READY resource, never a PENDING one, since a
// PENDING resource hasn't finished its destroy-clone-attr cycle and isn't
// actually usable yet. Atomicity is provided by the persistence layer's
// row locking (internal/store, SELECT ... FOR UPDATE), since this API is
// called from a separate HTTP process, not the engine's own loop.
package reservation

import (
	"context"
	"time"

	"github.com/testpool/testpoold/internal/domain"
	"github.com/testpool/testpoold/internal/metrics"
	"github.com/testpool/testpoold/internal/notify"
	"github.com/testpool/testpoold/internal/store"
)

// DefaultTTL is used when a caller doesn't specify a reservation timeout.
const DefaultTTL = 10 * time.Minute

// Reservations implements Acquire/Release against a Store.
type Reservations struct {
	Store    store.Store
	Notifier notify.Notifier
	Metrics  *metrics.Metrics
}

// New constructs a Reservations bound to st.
func New(st store.Store) *Reservations {
	return &Reservations{Store: st, Notifier: notify.NewNoopNotifier()}
}

// Acquire claims one READY resource from the named pool, moves it to
// RESERVED with a deadline of now+ttl, and returns it. A ttl <= 0 uses
// DefaultTTL. Returns domain.ErrUnknownPool or domain.ErrNoResources.
func (r *Reservations) Acquire(ctx context.Context, poolName string, ttl time.Duration) (*domain.Resource, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	pool, err := r.Store.GetPoolByName(ctx, poolName)
	if err != nil {
		return nil, err
	}
	resource, err := r.Store.AcquireReady(ctx, pool.ID, ttl)
	if err != nil {
		if r.Metrics != nil {
			r.Metrics.RecordReservation(poolName, "no_resources")
		}
		return nil, err
	}
	if r.Metrics != nil {
		r.Metrics.RecordReservation(poolName, "acquired")
	}
	return resource, nil
}

// Release returns a RESERVED resource to the pool: it moves to
// PENDING/DESTROY with the destroy due one second later, so the scheduler
// tears it down and re-clones it under the same name rather than reusing
// a resource a caller already had exclusive access to. Waking the
// scheduler via Notifier shortens the time until that destroy actually
// runs.
func (r *Reservations) Release(ctx context.Context, resourceID string) error {
	if err := r.Store.ReleaseReserved(ctx, resourceID); err != nil {
		if r.Metrics != nil {
			r.Metrics.RecordReservation("", "not_reserved")
		}
		return err
	}
	if r.Metrics != nil {
		r.Metrics.RecordReservation("", "released")
	}
	if r.Notifier != nil {
		_ = r.Notifier.Wake(ctx)
	}
	return nil
}
