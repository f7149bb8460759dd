// Package store defines the durable persistence interface for hosts,
// pools, resources and their attributes, plus two implementations: a
// pgx-backed Postgres store for production and an in-memory store for
// tests.
package store

import (
	"context"
	"time"

	"github.com/testpool/testpoold/internal/domain"
)

// Store is the persistence interface the engine, the reservation API and
// the HTTP surface depend on. Every resource mutation is atomic: callers
// never read-modify-write across two calls, so a Postgres implementation
// can serialize each method behind `SELECT ... FOR UPDATE` without the
// caller needing to know a transaction is involved.
type Store interface {
	Close() error
	Ping(ctx context.Context) error

	CreateHost(ctx context.Context, h *domain.Host) error
	GetHost(ctx context.Context, id string) (*domain.Host, error)
	GetHostByConnection(ctx context.Context, connection, product string) (*domain.Host, error)
	ListHosts(ctx context.Context) ([]*domain.Host, error)
	DeleteHost(ctx context.Context, id string) error

	CreatePool(ctx context.Context, p *domain.Pool) error
	GetPool(ctx context.Context, id string) (*domain.Pool, error)
	GetPoolByName(ctx context.Context, name string) (*domain.Pool, error)
	ListPools(ctx context.Context) ([]*domain.Pool, error)
	SetPoolResourceMax(ctx context.Context, poolID string, max int) error
	DeletePool(ctx context.Context, id string) error

	CreateResource(ctx context.Context, r *domain.Resource) error
	GetResource(ctx context.Context, id string) (*domain.Resource, error)
	// ListPoolResources returns every resource in a pool, any status.
	ListPoolResources(ctx context.Context, poolID string) ([]*domain.Resource, error)
	// ListActionable returns poolID's non-READY resources ordered by
	// action_time then insertion order.
	ListActionable(ctx context.Context, poolID string) ([]*domain.Resource, error)
	// NextDue returns the single earliest non-READY resource across every
	// pool, ordered by action_time then insertion order: the scheduler
	// loop's pick.
	NextDue(ctx context.Context) (*domain.Resource, bool, error)
	// Transition atomically sets a resource's status and action and
	// reschedules its action_time to now+delay (delay may be zero or
	// negative for "already due").
	Transition(ctx context.Context, resourceID string, status domain.Status, action domain.Action, delay time.Duration) error
	DeleteResource(ctx context.Context, id string) error
	SetIPAddr(ctx context.Context, id, ip string) error
	// IncrementAttempts bumps a resource's retry counter and returns the
	// new value.
	IncrementAttempts(ctx context.Context, id string) (int, error)
	ResetAttempts(ctx context.Context, id string) error

	// AcquireReady atomically claims one READY resource in poolID, moves it
	// to RESERVED with action NONE and an action_time of now+ttl (the
	// reservation's timeout deadline), and returns it. Returns
	// domain.ErrNoResources if none are READY.
	AcquireReady(ctx context.Context, poolID string, ttl time.Duration) (*domain.Resource, error)
	// ReleaseReserved atomically moves a RESERVED resource back to
	// PENDING/DESTROY with action_time now+1s. Returns domain.ErrNotReserved
	// if the resource isn't currently RESERVED.
	ReleaseReserved(ctx context.Context, resourceID string) error

	PoolStats(ctx context.Context, poolID string) (*domain.PoolStats, error)
	ListPoolStats(ctx context.Context) ([]*domain.PoolStats, error)

	SetAttributes(ctx context.Context, resourceID string, attrs map[string]string) error
	GetAttributes(ctx context.Context, resourceID string) (map[string]string, error)
}
