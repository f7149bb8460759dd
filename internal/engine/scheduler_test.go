package engine

import (
	"context"
	"testing"
	"time"

	"github.com/testpool/testpoold/internal/domain"
)

func TestRunSettlesPoolToReady(t *testing.T) {
	ctx := context.Background()
	e, pool := newTestEngine(t, "scheduler-settle", 2)

	err := e.Run(ctx, RunOptions{Count: 1000, MaxSleepTime: 0, MinSleepTime: 0})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	resources, err := e.Store.ListPoolResources(ctx, pool.ID)
	if err != nil {
		t.Fatalf("list resources: %v", err)
	}
	if len(resources) != 2 {
		t.Fatalf("got %d resources, want 2", len(resources))
	}
	for _, r := range resources {
		if r.Status != domain.StatusReady {
			t.Errorf("resource %s = %s, want READY", r.Name, r.Status)
		}
	}
}

func TestSettledIgnoresReadyAndBad(t *testing.T) {
	ctx := context.Background()
	e, pool := newTestEngine(t, "scheduler-settled", 0)

	r := &domain.Resource{PoolID: pool.ID, Name: "r", Status: domain.StatusBad, Action: domain.ActionNone, ActionTime: time.Now()}
	if err := e.Store.CreateResource(ctx, r); err != nil {
		t.Fatalf("create resource: %v", err)
	}
	if !e.settled(ctx) {
		t.Fatal("expected settled with only a BAD resource")
	}

	if err := e.Store.Transition(ctx, r.ID, domain.StatusPending, domain.ActionDestroy, 0); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if e.settled(ctx) {
		t.Fatal("expected not settled with a PENDING resource")
	}
}

func TestSleepReturnsOnContextCancel(t *testing.T) {
	e := New(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := e.sleep(ctx, time.Hour); err == nil {
		t.Fatal("expected context cancellation error")
	}
}
