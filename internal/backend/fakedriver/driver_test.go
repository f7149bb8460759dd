package fakedriver

import (
	"context"
	"errors"
	"testing"

	"github.com/testpool/testpoold/internal/backend"
)

func TestCloneThenDestroyRoundTrip(t *testing.T) {
	ctx := context.Background()
	d, err := New("conn")
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if err := d.Clone(ctx, "tmpl", "obj-1"); err != nil {
		t.Fatalf("clone: %v", err)
	}
	names, err := d.List(ctx, "tmpl")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(names) != 1 || names[0] != "obj-1" {
		t.Fatalf("list = %v, want [obj-1]", names)
	}

	ip, err := d.IPGet(ctx, "obj-1")
	if err != nil {
		t.Fatalf("ip get: %v", err)
	}
	if ip == "" {
		t.Fatal("expected a non-empty IP after clone")
	}

	if err := d.Destroy(ctx, "obj-1"); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if _, err := d.IPGet(ctx, "obj-1"); !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("ip get after destroy: err=%v, want ErrNotFound", err)
	}
}

func TestCloneRejectsDuplicateName(t *testing.T) {
	ctx := context.Background()
	d, _ := New("conn")
	if err := d.Clone(ctx, "tmpl", "obj-1"); err != nil {
		t.Fatalf("clone: %v", err)
	}
	if err := d.Clone(ctx, "tmpl", "obj-1"); !errors.Is(err, backend.ErrAlreadyExists) {
		t.Fatalf("duplicate clone: err=%v, want ErrAlreadyExists", err)
	}
}

func TestDestroyMissingReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	d, _ := New("conn")
	if err := d.Destroy(ctx, "missing"); !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("destroy missing: err=%v, want ErrNotFound", err)
	}
}

func TestFailCloneInjectsConfiguredError(t *testing.T) {
	ctx := context.Background()
	drv, _ := New("conn")
	d := drv.(*Driver)
	d.FailClone = map[string]error{"obj-1": backend.ErrBackendUnavailable}

	if err := d.Clone(ctx, "tmpl", "obj-1"); !errors.Is(err, backend.ErrBackendUnavailable) {
		t.Fatalf("clone with FailClone set: err=%v, want ErrBackendUnavailable", err)
	}
	if err := d.Clone(ctx, "tmpl", "obj-2"); err != nil {
		t.Fatalf("clone of unaffected name should still succeed: %v", err)
	}
}

func TestNewNameGetIsDeterministic(t *testing.T) {
	d, _ := New("conn")
	if got := d.(*Driver).NewNameGet("tmpl", 3); got != "tmpl-3" {
		t.Fatalf("NewNameGet = %q, want tmpl-3", got)
	}
}
