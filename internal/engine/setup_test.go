package engine

import (
	"context"
	"testing"

	"github.com/testpool/testpoold/internal/domain"
)

func TestSetupRestoresResourcesFoundOnBackend(t *testing.T) {
	ctx := context.Background()
	e, pool := newTestEngine(t, "setup-restore", 2)

	driver, ok, err := e.Registry.New("fake", "setup-restore")
	if err != nil || !ok {
		t.Fatalf("resolve driver: ok=%v err=%v", ok, err)
	}
	name := driver.NewNameGet(pool.TemplateName, 0)
	if err := driver.Clone(ctx, pool.TemplateName, name); err != nil {
		t.Fatalf("pre-seed backend object: %v", err)
	}

	if err := e.Setup(ctx); err != nil {
		t.Fatalf("setup: %v", err)
	}

	resources, err := e.Store.ListPoolResources(ctx, pool.ID)
	if err != nil {
		t.Fatalf("list resources: %v", err)
	}
	if len(resources) != 1 {
		t.Fatalf("got %d resources, want 1 (the placeholder not on the backend is deleted)", len(resources))
	}

	var foundRestored, foundDeleted bool
	for _, r := range resources {
		if r.Name == name {
			foundRestored = true
			if r.Status != domain.StatusPending || r.Action != domain.ActionDestroy {
				t.Errorf("restored resource = %s/%s, want PENDING/DESTROY", r.Status, r.Action)
			}
		}
	}
	if !foundRestored {
		t.Fatal("expected the pre-seeded backend name to survive as a restored placeholder")
	}
	_ = foundDeleted
}

func TestSetupDeletesPlaceholdersNotOnBackend(t *testing.T) {
	ctx := context.Background()
	e, pool := newTestEngine(t, "setup-no-backend", 1)

	if err := e.Setup(ctx); err != nil {
		t.Fatalf("setup: %v", err)
	}

	resources, err := e.Store.ListPoolResources(ctx, pool.ID)
	if err != nil {
		t.Fatalf("list resources: %v", err)
	}
	if len(resources) != 0 {
		t.Fatalf("got %d resources, want 0 (none exist on backend, so the single BAD placeholder should be deleted)", len(resources))
	}
}

func TestSetupDeletesDrainedEmptyPool(t *testing.T) {
	ctx := context.Background()
	e, pool := newTestEngine(t, "setup-drain", 0)

	if err := e.Setup(ctx); err != nil {
		t.Fatalf("setup: %v", err)
	}

	if _, err := e.Store.GetPool(ctx, pool.ID); err != domain.ErrUnknownPool {
		t.Fatalf("expected drained pool to be deleted, got err=%v", err)
	}
}
