package engine

import (
	"context"
	"time"

	"github.com/testpool/testpoold/internal/backend"
	"github.com/testpool/testpoold/internal/domain"
	"github.com/testpool/testpoold/internal/logging"
)

// Setup is the two-phase bootstrap sequence run once before the scheduler
// loop starts. It stays a list-then-diff sequence rather than a single
// collapsed pass because this shape is what makes it safe to re-run after
// a crash:
//
//  1. Mark every existing resource in the pool BAD, and create any missing
//     rows so the pool has at least resource_max rows, all BAD.
//  2. List the backend for objects matching the pool's template. Any BAD
//     placeholder whose name is found on the backend is restored to
//     PENDING/DESTROY (so it gets torn down and rebuilt cleanly rather
//     than reused in an unknown state), with a staggered action_time.
//  3. Any BAD placeholder not found on the backend is deleted outright.
//     Adapt's count<max branch will create a fresh replacement on the next
//     cycle.
//  4. If the pool is now both empty and drained (resource_max == 0), it is
//     deleted.
func (e *Engine) Setup(ctx context.Context) error {
	pools, err := e.Store.ListPools(ctx)
	if err != nil {
		return err
	}
	for _, pool := range pools {
		if err := e.setupPool(ctx, pool); err != nil {
			logging.Op().Error("setup pool failed", "pool", pool.Name, "error", err)
		}
	}
	return nil
}

func (e *Engine) setupPool(ctx context.Context, pool *domain.Pool) error {
	driver, ok, err := e.driverFor(ctx, pool)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	existing, err := e.Store.ListPoolResources(ctx, pool.ID)
	if err != nil {
		return err
	}
	for _, r := range existing {
		if err := e.Store.Transition(ctx, r.ID, domain.StatusBad, domain.ActionNone, 0); err != nil {
			return err
		}
	}
	for i := len(existing); i < pool.ResourceMax; i++ {
		r := &domain.Resource{
			PoolID:     pool.ID,
			Name:       driver.NewNameGet(pool.TemplateName, i),
			Status:     domain.StatusBad,
			Action:     domain.ActionNone,
			ActionTime: time.Now(),
		}
		if err := e.Store.CreateResource(ctx, r); err != nil {
			return err
		}
	}

	backendNames, err := driver.List(ctx, pool.TemplateName)
	if err != nil {
		return err
	}
	onBackend := make(map[string]bool, len(backendNames))
	for _, n := range backendNames {
		onBackend[n] = true
	}

	placeholders, err := e.Store.ListPoolResources(ctx, pool.ID)
	if err != nil {
		return err
	}

	stagger := driver.TimingGet(backend.TimingDestroy)
	restored := 0
	for _, r := range placeholders {
		if onBackend[r.Name] {
			delay := time.Duration(restored) * stagger
			if err := e.Store.Transition(ctx, r.ID, domain.StatusPending, domain.ActionDestroy, delay); err != nil {
				return err
			}
			restored++
		} else {
			if err := e.Store.DeleteResource(ctx, r.ID); err != nil {
				return err
			}
		}
	}

	remaining, err := e.Store.ListPoolResources(ctx, pool.ID)
	if err != nil {
		return err
	}
	if pool.Deleteable(len(remaining)) {
		return e.Store.DeletePool(ctx, pool.ID)
	}
	return nil
}
