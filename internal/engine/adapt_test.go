package engine

import (
	"context"
	"testing"

	"github.com/testpool/testpoold/internal/backend"
	_ "github.com/testpool/testpoold/internal/backend/fakedriver"
	"github.com/testpool/testpoold/internal/domain"
	"github.com/testpool/testpoold/internal/store"
)

func newTestEngine(t *testing.T, connection string, resourceMax int) (*Engine, *domain.Pool) {
	t.Helper()
	st := store.NewMemoryStore()
	ctx := context.Background()

	host := &domain.Host{Connection: connection, Product: "fake"}
	if err := st.CreateHost(ctx, host); err != nil {
		t.Fatalf("create host: %v", err)
	}
	pool := &domain.Pool{Name: connection, HostID: host.ID, TemplateName: "tmpl", ResourceMax: resourceMax}
	if err := st.CreatePool(ctx, pool); err != nil {
		t.Fatalf("create pool: %v", err)
	}

	e := New(st, backend.Global())
	return e, pool
}

func TestAdaptGrowsToResourceMax(t *testing.T) {
	ctx := context.Background()
	e, pool := newTestEngine(t, "adapt-grow", 3)

	if err := e.Adapt(ctx, pool); err != nil {
		t.Fatalf("adapt: %v", err)
	}

	resources, err := e.Store.ListPoolResources(ctx, pool.ID)
	if err != nil {
		t.Fatalf("list resources: %v", err)
	}
	if len(resources) != 3 {
		t.Fatalf("got %d resources, want 3", len(resources))
	}
	for _, r := range resources {
		if r.Status != domain.StatusPending || r.Action != domain.ActionDestroy {
			t.Errorf("new resource %s = %s/%s, want PENDING/DESTROY", r.Name, r.Status, r.Action)
		}
	}
}

func TestAdaptShrinksReadyResources(t *testing.T) {
	ctx := context.Background()
	e, pool := newTestEngine(t, "adapt-shrink", 3)

	if err := e.Adapt(ctx, pool); err != nil {
		t.Fatalf("adapt: %v", err)
	}
	resources, _ := e.Store.ListPoolResources(ctx, pool.ID)
	for _, r := range resources {
		if err := e.Store.Transition(ctx, r.ID, domain.StatusReady, domain.ActionNone, 0); err != nil {
			t.Fatalf("transition to ready: %v", err)
		}
	}

	if err := e.Store.SetPoolResourceMax(ctx, pool.ID, 1); err != nil {
		t.Fatalf("set resource max: %v", err)
	}
	pool.ResourceMax = 1
	if err := e.Adapt(ctx, pool); err != nil {
		t.Fatalf("adapt shrink: %v", err)
	}

	resources, _ = e.Store.ListPoolResources(ctx, pool.ID)
	ready, pending := 0, 0
	for _, r := range resources {
		switch r.Status {
		case domain.StatusReady:
			ready++
		case domain.StatusPending:
			pending++
			if r.Action != domain.ActionDestroy {
				t.Errorf("shrunk resource %s has action %s, want DESTROY", r.Name, r.Action)
			}
		}
	}
	if ready != 1 || pending != 2 {
		t.Fatalf("got ready=%d pending=%d, want ready=1 pending=2", ready, pending)
	}
}

// runToReady drives every PENDING resource in pool through ExecuteDue until
// none are left (or iterations are exhausted), simulating the scheduler
// picking up whatever Adapt just scheduled.
func runToReady(t *testing.T, ctx context.Context, e *Engine, pool *domain.Pool) {
	t.Helper()
	for i := 0; i < 50; i++ {
		resources, err := e.Store.ListPoolResources(ctx, pool.ID)
		if err != nil {
			t.Fatalf("list resources: %v", err)
		}
		pending := false
		for _, r := range resources {
			if r.Status == domain.StatusPending {
				pending = true
				if err := e.ExecuteDue(ctx, r); err != nil {
					t.Fatalf("execute due: %v", err)
				}
			}
		}
		if !pending {
			return
		}
	}
	t.Fatal("resources never converged")
}

func TestAdaptShrinkDeletesExcessResourcesAfterDestroy(t *testing.T) {
	ctx := context.Background()
	e, pool := newTestEngine(t, "adapt-shrink-delete", 10)

	if err := e.Adapt(ctx, pool); err != nil {
		t.Fatalf("adapt: %v", err)
	}
	resources, _ := e.Store.ListPoolResources(ctx, pool.ID)
	for _, r := range resources {
		if err := e.Store.Transition(ctx, r.ID, domain.StatusReady, domain.ActionNone, 0); err != nil {
			t.Fatalf("transition to ready: %v", err)
		}
	}

	if err := e.Store.SetPoolResourceMax(ctx, pool.ID, 2); err != nil {
		t.Fatalf("set resource max: %v", err)
	}
	pool.ResourceMax = 2
	if err := e.Adapt(ctx, pool); err != nil {
		t.Fatalf("adapt shrink: %v", err)
	}

	runToReady(t, ctx, e, pool)

	resources, err := e.Store.ListPoolResources(ctx, pool.ID)
	if err != nil {
		t.Fatalf("list resources: %v", err)
	}
	if len(resources) != 2 {
		t.Fatalf("got %d resources after shrink, want 2 (rows deleted, not re-cloned)", len(resources))
	}
	for _, r := range resources {
		if r.Status != domain.StatusReady {
			t.Errorf("surviving resource %s = %s, want READY", r.Name, r.Status)
		}
	}
}

func TestAdaptDrainDeletesPoolAfterDestroy(t *testing.T) {
	ctx := context.Background()
	e, pool := newTestEngine(t, "adapt-drain-delete", 3)

	if err := e.Adapt(ctx, pool); err != nil {
		t.Fatalf("adapt: %v", err)
	}
	resources, _ := e.Store.ListPoolResources(ctx, pool.ID)
	for _, r := range resources {
		if err := e.Store.Transition(ctx, r.ID, domain.StatusReady, domain.ActionNone, 0); err != nil {
			t.Fatalf("transition to ready: %v", err)
		}
	}

	if err := e.Store.SetPoolResourceMax(ctx, pool.ID, 0); err != nil {
		t.Fatalf("set resource max: %v", err)
	}
	pool.ResourceMax = 0
	if err := e.Adapt(ctx, pool); err != nil {
		t.Fatalf("adapt drain: %v", err)
	}

	runToReady(t, ctx, e, pool)

	if _, err := e.Store.GetPool(ctx, pool.ID); err != domain.ErrUnknownPool {
		t.Fatalf("expected pool to be deleted, got err=%v", err)
	}
}

func TestAdaptDeletesDrainedPool(t *testing.T) {
	ctx := context.Background()
	e, pool := newTestEngine(t, "adapt-drain", 0)

	if err := e.Adapt(ctx, pool); err != nil {
		t.Fatalf("adapt: %v", err)
	}
	if _, err := e.Store.GetPool(ctx, pool.ID); err != domain.ErrUnknownPool {
		t.Fatalf("expected pool to be deleted, got err=%v", err)
	}
}
