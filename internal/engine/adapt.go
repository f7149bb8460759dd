package engine

import (
	"context"
	"time"

	"github.com/testpool/testpoold/internal/domain"
	"github.com/testpool/testpoold/internal/logging"
)

// Adapt reconciles pool's actual resource count against its configured
// resource_max:
//
//   - count < max: create (max-count) new PENDING/DESTROY placeholder
//     resources with deterministic names, so they flow through the full
//     destroy-clone-attr cycle and end up READY.
//   - count > max: mark the highest-index excess READY resources
//     PENDING/DESTROY, so the lowest-index names survive a shrink. The
//     executor deletes these rows outright on successful destroy instead of
//     re-cloning them (see shouldDropOnDestroy). RESERVED resources are
//     never touched here; a caller cannot shrink a resource out from under
//     an active reservation.
//   - count == max: nothing to do.
//
// Every call logs a profile entry, whether or not anything changed
// (restoring the original daemon's per-cycle logging rather than only
// logging on change).
func (e *Engine) Adapt(ctx context.Context, pool *domain.Pool) error {
	resources, err := e.Store.ListPoolResources(ctx, pool.ID)
	if err != nil {
		return err
	}

	var notBad, ready []*domain.Resource
	for _, r := range resources {
		if r.Status != domain.StatusBad {
			notBad = append(notBad, r)
		}
		if r.Status == domain.StatusReady {
			ready = append(ready, r)
		}
	}
	count := len(notBad)
	max := pool.ResourceMax

	switch {
	case count < max:
		driver, ok, err := e.driverFor(ctx, pool)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		for i := count; i < max; i++ {
			name := driver.NewNameGet(pool.TemplateName, i)
			r := &domain.Resource{
				PoolID:     pool.ID,
				Name:       name,
				Status:     domain.StatusPending,
				Action:     domain.ActionDestroy,
				ActionTime: time.Now(),
			}
			if err := e.Store.CreateResource(ctx, r); err != nil {
				return err
			}
		}
	case count > max:
		excess := count - max
		for i := 0; i < excess && i < len(ready); i++ {
			victim := ready[len(ready)-1-i]
			if err := e.Store.Transition(ctx, victim.ID, domain.StatusPending, domain.ActionDestroy, 0); err != nil {
				return err
			}
		}
	}

	stats, err := e.Store.PoolStats(ctx, pool.ID)
	if err != nil {
		return err
	}
	if e.Metrics != nil {
		e.Metrics.SetResourceCount(pool.Name, string(domain.StatusReady), stats.Ready)
		e.Metrics.SetResourceCount(pool.Name, string(domain.StatusReserved), stats.Reserved)
		e.Metrics.SetResourceCount(pool.Name, string(domain.StatusPending), stats.Pending)
		e.Metrics.SetResourceCount(pool.Name, string(domain.StatusBad), stats.Bad)
	}
	if e.Profile != nil {
		e.Profile.Log(logging.ProfileEntry{
			Level:         "info",
			Pool:          pool.Name,
			ResourceCount: count,
			ResourceMax:   max,
			Ready:         stats.Ready,
			Reserved:      stats.Reserved,
			Pending:       stats.Pending,
			Bad:           stats.Bad,
		})
	}

	if pool.Deleteable(count) {
		if err := e.Store.DeletePool(ctx, pool.ID); err != nil {
			return err
		}
		logging.Op().Info("deleted drained pool", "pool", pool.Name)
	}

	return nil
}

// AdaptAll runs Adapt over every configured pool, logging and continuing
// past a single pool's error rather than aborting the whole cycle.
func (e *Engine) AdaptAll(ctx context.Context) {
	pools, err := e.Store.ListPools(ctx)
	if err != nil {
		logging.Op().Error("list pools for adapt", "error", err)
		return
	}
	for _, pool := range pools {
		if err := e.Adapt(ctx, pool); err != nil {
			logging.Op().Error("adapt pool failed", "pool", pool.Name, "error", err)
		}
	}
}
