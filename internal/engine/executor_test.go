package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/testpool/testpoold/internal/backend"
	"github.com/testpool/testpoold/internal/backend/fakedriver"
	"github.com/testpool/testpoold/internal/domain"
)

func newResource(t *testing.T, e *Engine, pool *domain.Pool, status domain.Status, action domain.Action) *domain.Resource {
	t.Helper()
	r := &domain.Resource{
		PoolID:     pool.ID,
		Name:       "res-1",
		Status:     status,
		Action:     action,
		ActionTime: time.Now(),
	}
	if err := e.Store.CreateResource(context.Background(), r); err != nil {
		t.Fatalf("create resource: %v", err)
	}
	return r
}

func TestExecuteDueCloneAdvancesToAttr(t *testing.T) {
	ctx := context.Background()
	e, pool := newTestEngine(t, "executor-clone", 0)
	r := newResource(t, e, pool, domain.StatusPending, domain.ActionClone)

	if err := e.ExecuteDue(ctx, r); err != nil {
		t.Fatalf("execute clone: %v", err)
	}

	got, err := e.Store.GetResource(ctx, r.ID)
	if err != nil {
		t.Fatalf("get resource: %v", err)
	}
	if got.Status != domain.StatusPending || got.Action != domain.ActionAttr {
		t.Fatalf("resource = %s/%s, want PENDING/ATTR", got.Status, got.Action)
	}
}

func TestExecuteDueAttrSetsIPAndReady(t *testing.T) {
	ctx := context.Background()
	// resource_max=1 so the Adapt that follows each success leaves the one
	// resource alone instead of draining it.
	e, pool := newTestEngine(t, "executor-attr", 1)
	r := newResource(t, e, pool, domain.StatusPending, domain.ActionClone)

	if err := e.ExecuteDue(ctx, r); err != nil {
		t.Fatalf("execute clone: %v", err)
	}
	r, _ = e.Store.GetResource(ctx, r.ID)

	if err := e.ExecuteDue(ctx, r); err != nil {
		t.Fatalf("execute attr: %v", err)
	}

	got, err := e.Store.GetResource(ctx, r.ID)
	if err != nil {
		t.Fatalf("get resource: %v", err)
	}
	if got.Status != domain.StatusReady || got.Action != domain.ActionNone {
		t.Fatalf("resource = %s/%s, want READY/NONE", got.Status, got.Action)
	}
	if got.IPAddr == "" {
		t.Fatal("expected ip_addr to be set")
	}
}

func TestExecuteDueDestroyTreatsNotFoundAsSuccess(t *testing.T) {
	ctx := context.Background()
	// resource_max=1 (not draining, not in excess) so this exercises the
	// ordinary destroy->reclone path, not the drain/shrink delete path.
	e, pool := newTestEngine(t, "executor-destroy", 1)
	r := newResource(t, e, pool, domain.StatusPending, domain.ActionDestroy)

	if err := e.ExecuteDue(ctx, r); err != nil {
		t.Fatalf("execute destroy: %v", err)
	}

	got, err := e.Store.GetResource(ctx, r.ID)
	if err != nil {
		t.Fatalf("get resource: %v", err)
	}
	if got.Status != domain.StatusPending || got.Action != domain.ActionClone {
		t.Fatalf("resource = %s/%s, want PENDING/CLONE", got.Status, got.Action)
	}
}

func TestExecuteDueRetriesThenMarksBad(t *testing.T) {
	ctx := context.Background()
	e, pool := newTestEngine(t, "executor-fail", 0)
	e.MaxAttempts = 2

	driver, ok, err := e.Registry.New("fake", "executor-fail")
	if err != nil || !ok {
		t.Fatalf("resolve driver: ok=%v err=%v", ok, err)
	}
	fd := driver.(*fakedriver.Driver)
	fd.FailClone = map[string]error{"res-1": backend.ErrBackendUnavailable}

	r := newResource(t, e, pool, domain.StatusPending, domain.ActionClone)

	if err := e.ExecuteDue(ctx, r); err != nil {
		t.Fatalf("execute (attempt 1): %v", err)
	}
	got, _ := e.Store.GetResource(ctx, r.ID)
	if got.Status != domain.StatusPending || got.Action != domain.ActionClone {
		t.Fatalf("after attempt 1: %s/%s, want still PENDING/CLONE", got.Status, got.Action)
	}
	if got.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", got.Attempts)
	}

	if err := e.ExecuteDue(ctx, got); err != nil {
		t.Fatalf("execute (attempt 2): %v", err)
	}
	got, _ = e.Store.GetResource(ctx, r.ID)
	if got.Status != domain.StatusBad || got.Action != domain.ActionNone {
		t.Fatalf("after attempt 2: %s/%s, want BAD/NONE", got.Status, got.Action)
	}
}

func TestExecuteDueReservedTimeoutReturnsToDestroy(t *testing.T) {
	ctx := context.Background()
	e, pool := newTestEngine(t, "executor-timeout", 0)
	r := newResource(t, e, pool, domain.StatusReserved, domain.ActionNone)

	if err := e.ExecuteDue(ctx, r); err != nil {
		t.Fatalf("execute timeout: %v", err)
	}

	got, err := e.Store.GetResource(ctx, r.ID)
	if err != nil {
		t.Fatalf("get resource: %v", err)
	}
	if got.Status != domain.StatusPending || got.Action != domain.ActionDestroy {
		t.Fatalf("resource = %s/%s, want PENDING/DESTROY", got.Status, got.Action)
	}
}

func TestTimingOpFor(t *testing.T) {
	cases := map[domain.Action]backend.TimingOp{
		domain.ActionDestroy: backend.TimingDestroy,
		domain.ActionClone:   backend.TimingClone,
		domain.ActionAttr:    backend.TimingAttr,
		domain.ActionNone:    backend.TimingAttr,
	}
	for action, want := range cases {
		if got := timingOpFor(action); got != want {
			t.Errorf("timingOpFor(%s) = %s, want %s", action, got, want)
		}
	}
}

func TestErrNotReadyYetIsNotBackendSentinel(t *testing.T) {
	if errors.Is(errNotReadyYet, backend.ErrNotFound) {
		t.Fatal("errNotReadyYet must be distinct from backend.ErrNotFound")
	}
}
