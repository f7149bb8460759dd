package backend_test

import (
	"context"
	"testing"
	"time"

	"github.com/testpool/testpoold/internal/backend"
	_ "github.com/testpool/testpoold/internal/backend/fakedriver"
)

func TestRegistryProductsIncludesFake(t *testing.T) {
	found := false
	for _, p := range backend.Global().Products() {
		if p == "fake" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected \"fake\" to be registered by the fakedriver package's init()")
	}
	if !backend.Global().Supports("fake") {
		t.Fatal("Supports(\"fake\") = false")
	}
}

func TestRegistryNewCachesByProductAndConnection(t *testing.T) {
	d1, ok, err := backend.Global().New("fake", "registry-cache-a")
	if err != nil || !ok {
		t.Fatalf("New: ok=%v err=%v", ok, err)
	}
	d2, ok, err := backend.Global().New("fake", "registry-cache-a")
	if err != nil || !ok {
		t.Fatalf("New (second call): ok=%v err=%v", ok, err)
	}
	if d1 != d2 {
		t.Fatal("expected the same connection string to return the cached instance")
	}

	d3, ok, err := backend.Global().New("fake", "registry-cache-b")
	if err != nil || !ok {
		t.Fatalf("New (different connection): ok=%v err=%v", ok, err)
	}
	if d1 == d3 {
		t.Fatal("expected a distinct connection string to return a distinct instance")
	}
}

func TestRegistryNewUnknownProduct(t *testing.T) {
	_, ok, err := backend.Global().New("does-not-exist", "conn")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for an unregistered product")
	}
}

func TestRegistryRegisterPanicsOnDuplicate(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected Register to panic on duplicate product")
		}
	}()
	backend.Global().Register("fake", func(connection string) (backend.Driver, error) {
		return nil, nil
	})
}

// sanity check that fakedriver's Check is a cheap no-op.
func TestFakeDriverCheckIsNoop(t *testing.T) {
	d, ok, err := backend.Global().New("fake", "registry-check")
	if err != nil || !ok {
		t.Fatalf("New: ok=%v err=%v", ok, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Check(ctx); err != nil {
		t.Fatalf("check: %v", err)
	}
}
