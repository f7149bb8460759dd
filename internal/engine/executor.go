package engine

import (
	"context"
	"errors"
	"time"

	"github.com/testpool/testpoold/internal/backend"
	"github.com/testpool/testpoold/internal/domain"
	"github.com/testpool/testpoold/internal/logging"
)

// ExecuteDue resolves r's pool and driver and dispatches its current
// action. Every branch below corresponds to one case of the
// action_destroy/action_clone/action_attr dispatch, plus the
// RESERVED-timeout/NONE case.
func (e *Engine) ExecuteDue(ctx context.Context, r *domain.Resource) error {
	pool, err := e.Store.GetPool(ctx, r.PoolID)
	if err != nil {
		return err
	}
	driver, ok, err := e.driverFor(ctx, pool)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	start := time.Now()
	var execErr error

	switch r.Action {
	case domain.ActionDestroy:
		execErr = driver.Destroy(ctx, r.Name)
		if errors.Is(execErr, backend.ErrNotFound) {
			execErr = nil
		}
	case domain.ActionClone:
		execErr = e.executeClone(ctx, driver, pool, r)
	case domain.ActionAttr:
		execErr = e.executeAttr(ctx, driver, r)
	case domain.ActionNone:
		// A RESERVED resource reaching here means its reservation ttl
		// expired without an explicit release.
		if r.Status != domain.StatusReserved {
			return nil
		}
	default:
		return nil
	}

	duration := time.Since(start)

	switch {
	case execErr == nil:
		return e.succeed(ctx, pool, driver, r, duration)
	case errors.Is(execErr, errStartNotRunning), errors.Is(execErr, backend.ErrFatalBackend):
		return e.markBad(ctx, pool, r, 0, duration)
	default:
		return e.fail(ctx, pool, driver, r, execErr, duration)
	}
}

// executeClone clones name from template, then brings it up. A clone that
// reports AlreadyExists is treated as success and start is still attempted,
// since an existing-but-never-started object is indistinguishable from one
// this call just created.
func (e *Engine) executeClone(ctx context.Context, driver backend.Driver, pool *domain.Pool, r *domain.Resource) error {
	if err := driver.Clone(ctx, pool.TemplateName, r.Name); err != nil && !errors.Is(err, backend.ErrAlreadyExists) {
		return err
	}
	state, err := driver.Start(ctx, r.Name)
	if err != nil {
		return err
	}
	if state != backend.StartRunning {
		return errStartNotRunning
	}
	return nil
}

func (e *Engine) executeAttr(ctx context.Context, driver backend.Driver, r *domain.Resource) error {
	ip, err := driver.IPGet(ctx, r.Name)
	if err != nil {
		return err
	}
	if ip == "" {
		return errNotReadyYet
	}
	attrs, err := driver.AttributesGet(ctx, r.Name)
	if err != nil {
		return err
	}
	if err := e.Store.SetIPAddr(ctx, r.ID, ip); err != nil {
		return err
	}
	return e.Store.SetAttributes(ctx, r.ID, attrs)
}

// errNotReadyYet signals the backend object exists but hasn't reported an
// IP yet; treated as an ordinary retryable failure, not a fatal one.
var errNotReadyYet = errors.New("backend object not yet ready")

// errStartNotRunning signals a freshly cloned object didn't come up; the
// resource is marked BAD immediately rather than retried.
var errStartNotRunning = errors.New("backend object did not reach RUNNING after start")

// attrNoIPRetryDelay is the fixed poll interval for an ATTR step that found
// the object but no IP yet, independent of the driver's timing_get(ATTR).
const attrNoIPRetryDelay = 60 * time.Second

// shouldDropOnDestroy reports whether a successful DESTROY should delete
// the row outright rather than re-clone it: the pool is draining
// (resource_max == 0), or this resource is one of the excess rows the
// adapter marked for shrink (the pool's non-BAD count still exceeds
// resource_max because the row hasn't been deleted yet).
func (e *Engine) shouldDropOnDestroy(ctx context.Context, pool *domain.Pool) (bool, error) {
	if pool.ResourceMax == 0 {
		return true, nil
	}
	resources, err := e.Store.ListPoolResources(ctx, pool.ID)
	if err != nil {
		return false, err
	}
	count := 0
	for _, r := range resources {
		if r.Status != domain.StatusBad {
			count++
		}
	}
	return count > pool.ResourceMax, nil
}

// successDelta returns the next action_time delay after a successful
// action, per the state machine's transition table. Only CLONE->ATTR needs
// the driver's timing; every other transition's delta is fixed.
func successDelta(driver backend.Driver, status domain.Status, action domain.Action) time.Duration {
	if status == domain.StatusPending && action == domain.ActionClone {
		return driver.TimingGet(backend.TimingAttr)
	}
	return 0
}

func (e *Engine) succeed(ctx context.Context, pool *domain.Pool, driver backend.Driver, r *domain.Resource, duration time.Duration) error {
	if r.Status == domain.StatusPending && r.Action == domain.ActionDestroy {
		drop, err := e.shouldDropOnDestroy(ctx, pool)
		if err != nil {
			return err
		}
		if drop {
			if err := e.Store.DeleteResource(ctx, r.ID); err != nil {
				return err
			}
			if e.Metrics != nil {
				e.Metrics.RecordAction(pool.Name, string(r.Action), "success", duration)
			}
			if e.Notifier != nil {
				_ = e.Notifier.Wake(ctx)
			}
			return e.Adapt(ctx, pool)
		}
	}

	newStatus, newAction := NextAfterSuccess(r.Status, r.Action)
	delay := successDelta(driver, r.Status, r.Action)
	if err := e.Store.Transition(ctx, r.ID, newStatus, newAction, delay); err != nil {
		return err
	}
	if err := e.Store.ResetAttempts(ctx, r.ID); err != nil {
		return err
	}
	if e.Metrics != nil {
		e.Metrics.RecordAction(pool.Name, string(r.Action), "success", duration)
	}
	if e.Notifier != nil {
		_ = e.Notifier.Wake(ctx)
	}
	return e.Adapt(ctx, pool)
}

// markBad transitions r straight to BAD, bypassing the retry counter. Used
// when retries are exhausted (attempts > 0, passed through for
// logging/metrics), and with attempts == 0 when a CLONE's start never
// reaches RUNNING or the driver reports backend.ErrFatalBackend: both are
// immediate fatal conditions, not retryable ones.
func (e *Engine) markBad(ctx context.Context, pool *domain.Pool, r *domain.Resource, attempts int, duration time.Duration) error {
	if err := e.Store.Transition(ctx, r.ID, domain.StatusBad, domain.ActionNone, 0); err != nil {
		return err
	}
	if e.Metrics != nil {
		e.Metrics.RecordAction(pool.Name, string(r.Action), "bad", duration)
		e.Metrics.RecordActionAttempts(attempts)
	}
	logging.Op().Error("resource marked BAD",
		"pool", pool.Name, "resource", r.Name, "action", string(r.Action), "attempts", attempts)
	return nil
}

func (e *Engine) fail(ctx context.Context, pool *domain.Pool, driver backend.Driver, r *domain.Resource, cause error, duration time.Duration) error {
	attempts, err := e.Store.IncrementAttempts(ctx, r.ID)
	if err != nil {
		return err
	}
	logging.Op().Warn("action failed",
		"pool", pool.Name, "resource", r.Name, "action", string(r.Action),
		"attempt", attempts, "error", cause)

	if attempts >= e.maxAttempts() {
		return e.markBad(ctx, pool, r, attempts, duration)
	}

	delay := driver.TimingGet(timingOpFor(r.Action))
	if errors.Is(cause, errNotReadyYet) {
		delay = attrNoIPRetryDelay
	}
	if err := e.Store.Transition(ctx, r.ID, r.Status, r.Action, delay); err != nil {
		return err
	}
	if e.Metrics != nil {
		e.Metrics.RecordAction(pool.Name, string(r.Action), "retry", duration)
	}
	return nil
}

func timingOpFor(a domain.Action) backend.TimingOp {
	switch a {
	case domain.ActionDestroy:
		return backend.TimingDestroy
	case domain.ActionClone:
		return backend.TimingClone
	default:
		return backend.TimingAttr
	}
}
