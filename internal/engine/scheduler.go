package engine

import (
	"context"
	"time"

	"github.com/testpool/testpoold/internal/domain"
	"github.com/testpool/testpoold/internal/logging"
)

// RunOptions controls the scheduler loop: --count, --max-sleep-time, and
// --min-sleep-time on the daemon's command line map directly onto these.
type RunOptions struct {
	// Count bounds the number of loop iterations; zero means run forever.
	Count int
	// MaxSleepTime is the longest the loop will sleep when nothing is due,
	// and the cap on any computed wait. Zero means never sleep; execute
	// continuously, used by tests that want deterministic synchronous runs.
	MaxSleepTime time.Duration
	// MinSleepTime floors any computed wait shorter than this, avoiding a
	// tight busy-loop when a resource's action_time is only moments away.
	MinSleepTime time.Duration
}

// Run is the scheduler loop: pick the earliest-due non-READY resource
// across every pool; if it's already due, execute its action; if not,
// sleep until it is (clamped between MinSleepTime and MaxSleepTime, and
// cut short early if Notifier delivers a wakeup). When nothing is
// actionable at all, sleep the full MaxSleepTime (or until woken) and use
// the gap to run a full AdaptAll pass, so resource_max edits made while
// the pool is otherwise idle still get picked up.
func (e *Engine) Run(ctx context.Context, opts RunOptions) error {
	remaining := opts.Count
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if remaining > 0 && e.settled(ctx) {
			return nil
		}

		r, ok, err := e.Store.NextDue(ctx)
		if err != nil {
			return err
		}
		if e.Metrics != nil {
			e.Metrics.RecordSchedulerWakeup()
		}

		if !ok {
			e.AdaptAll(ctx)
			if err := e.sleep(ctx, opts.MaxSleepTime); err != nil {
				return err
			}
			if remaining > 0 {
				remaining--
				if remaining == 0 {
					return nil
				}
			}
			continue
		}

		e.logPending(ctx, r.PoolID)

		now := time.Now()
		due := !r.ActionTime.After(now) || opts.MaxSleepTime == 0
		if due {
			if err := e.ExecuteDue(ctx, r); err != nil {
				logging.Op().Error("execute action failed", "resource", r.Name, "error", err)
			}
		} else {
			wait := r.ActionTime.Sub(now)
			if wait > opts.MaxSleepTime {
				wait = opts.MaxSleepTime
			}
			if wait < opts.MinSleepTime {
				wait = opts.MinSleepTime
			}
			if err := e.sleep(ctx, wait); err != nil {
				return err
			}
		}

		if remaining > 0 {
			remaining--
			if remaining == 0 {
				return nil
			}
		}
	}
}

// settled reports whether every resource across every pool is READY or BAD
// and every pool holds exactly resource_max non-BAD resources, with nothing
// left to do, letting test-mode runs (Count > 0) return early instead of
// spinning out their full iteration budget.
func (e *Engine) settled(ctx context.Context) bool {
	pools, err := e.Store.ListPools(ctx)
	if err != nil {
		return false
	}
	for _, pool := range pools {
		resources, err := e.Store.ListPoolResources(ctx, pool.ID)
		if err != nil {
			return false
		}
		ready := 0
		for _, r := range resources {
			switch r.Status {
			case domain.StatusBad:
			case domain.StatusReady:
				ready++
			default:
				return false
			}
		}
		if ready != pool.ResourceMax {
			return false
		}
	}
	return true
}

// sleep blocks for d, ctx cancellation, or a Notifier wakeup, whichever
// comes first. A zero-or-negative d returns immediately.
func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	if e.Notifier == nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
			return nil
		}
	}
	wakeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	wake := e.Notifier.Subscribe(wakeCtx)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	case <-wake:
		// wake is also closed when ctx is cancelled; report that as such.
		return ctx.Err()
	}
}
