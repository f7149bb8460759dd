package reservation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/testpool/testpoold/internal/domain"
	"github.com/testpool/testpoold/internal/store"
)

func newTestPool(t *testing.T, st store.Store, name string) *domain.Pool {
	t.Helper()
	ctx := context.Background()
	host := &domain.Host{Connection: name, Product: "fake"}
	if err := st.CreateHost(ctx, host); err != nil {
		t.Fatalf("create host: %v", err)
	}
	pool := &domain.Pool{Name: name, HostID: host.ID, TemplateName: "tmpl", ResourceMax: 1}
	if err := st.CreatePool(ctx, pool); err != nil {
		t.Fatalf("create pool: %v", err)
	}
	return pool
}

func TestAcquireClaimsOnlyReady(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	pool := newTestPool(t, st, "reserve-ready")

	pending := &domain.Resource{PoolID: pool.ID, Name: "pending", Status: domain.StatusPending, Action: domain.ActionDestroy, ActionTime: time.Now()}
	if err := st.CreateResource(ctx, pending); err != nil {
		t.Fatalf("create pending resource: %v", err)
	}

	r := New(st)
	if _, err := r.Acquire(ctx, pool.Name, time.Minute); !errors.Is(err, domain.ErrNoResources) {
		t.Fatalf("acquire with no READY resources: err=%v, want ErrNoResources", err)
	}

	ready := &domain.Resource{PoolID: pool.ID, Name: "ready", Status: domain.StatusReady, Action: domain.ActionNone, ActionTime: time.Now()}
	if err := st.CreateResource(ctx, ready); err != nil {
		t.Fatalf("create ready resource: %v", err)
	}

	got, err := r.Acquire(ctx, pool.Name, time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got.ID != ready.ID {
		t.Fatalf("acquired %s, want %s", got.ID, ready.ID)
	}
	if got.Status != domain.StatusReserved {
		t.Fatalf("acquired resource status = %s, want RESERVED", got.Status)
	}
}

func TestAcquireDefaultsTTL(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	pool := newTestPool(t, st, "reserve-default-ttl")

	ready := &domain.Resource{PoolID: pool.ID, Name: "ready", Status: domain.StatusReady, Action: domain.ActionNone, ActionTime: time.Now()}
	if err := st.CreateResource(ctx, ready); err != nil {
		t.Fatalf("create ready resource: %v", err)
	}

	r := New(st)
	got, err := r.Acquire(ctx, pool.Name, 0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got.ActionTime.Before(time.Now().Add(DefaultTTL - time.Second)) {
		t.Fatalf("action_time %v doesn't reflect DefaultTTL", got.ActionTime)
	}
}

func TestReleaseReturnsToDestroy(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	pool := newTestPool(t, st, "reserve-release")

	ready := &domain.Resource{PoolID: pool.ID, Name: "ready", Status: domain.StatusReady, Action: domain.ActionNone, ActionTime: time.Now()}
	if err := st.CreateResource(ctx, ready); err != nil {
		t.Fatalf("create ready resource: %v", err)
	}

	r := New(st)
	acquired, err := r.Acquire(ctx, pool.Name, time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if err := r.Release(ctx, acquired.ID); err != nil {
		t.Fatalf("release: %v", err)
	}

	got, err := st.GetResource(ctx, acquired.ID)
	if err != nil {
		t.Fatalf("get resource: %v", err)
	}
	if got.Status != domain.StatusPending || got.Action != domain.ActionDestroy {
		t.Fatalf("released resource = %s/%s, want PENDING/DESTROY", got.Status, got.Action)
	}
}

func TestReleaseRejectsNonReserved(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	pool := newTestPool(t, st, "reserve-not-reserved")

	ready := &domain.Resource{PoolID: pool.ID, Name: "ready", Status: domain.StatusReady, Action: domain.ActionNone, ActionTime: time.Now()}
	if err := st.CreateResource(ctx, ready); err != nil {
		t.Fatalf("create ready resource: %v", err)
	}

	r := New(st)
	if err := r.Release(ctx, ready.ID); !errors.Is(err, domain.ErrNotReserved) {
		t.Fatalf("release on READY resource: err=%v, want ErrNotReserved", err)
	}
}

func TestAcquireUnknownPool(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	r := New(st)
	if _, err := r.Acquire(ctx, "does-not-exist", time.Minute); !errors.Is(err, domain.ErrUnknownPool) {
		t.Fatalf("acquire on unknown pool: err=%v, want ErrUnknownPool", err)
	}
}
