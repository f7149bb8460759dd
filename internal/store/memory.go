package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/testpool/testpoold/internal/domain"
)

// MemoryStore is an in-memory Store used by tests and by fakedriver-backed
// development runs. A single mutex guards every method; the reconciliation
// engine does not need fine-grained concurrency within one process, only
// atomicity, which a single lock trivially provides.
type MemoryStore struct {
	mu sync.Mutex

	hosts     map[string]*domain.Host
	pools     map[string]*domain.Pool
	resources map[string]*domain.Resource
	attrs     map[string]map[string]string // resourceID -> key -> value
	seq       int64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		hosts:     make(map[string]*domain.Host),
		pools:     make(map[string]*domain.Pool),
		resources: make(map[string]*domain.Resource),
		attrs:     make(map[string]map[string]string),
	}
}

func (s *MemoryStore) Close() error              { return nil }
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) CreateHost(ctx context.Context, h *domain.Host) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	for _, existing := range s.hosts {
		if existing.Connection == h.Connection && existing.Product == h.Product {
			return domain.ErrAlreadyExists
		}
	}
	cp := *h
	s.hosts[h.ID] = &cp
	return nil
}

func (s *MemoryStore) GetHost(ctx context.Context, id string) (*domain.Host, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hosts[id]
	if !ok {
		return nil, domain.ErrUnknownHost
	}
	cp := *h
	return &cp, nil
}

func (s *MemoryStore) GetHostByConnection(ctx context.Context, connection, product string) (*domain.Host, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.hosts {
		if h.Connection == connection && h.Product == product {
			cp := *h
			return &cp, nil
		}
	}
	return nil, domain.ErrUnknownHost
}

func (s *MemoryStore) ListHosts(ctx context.Context) ([]*domain.Host, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Host, 0, len(s.hosts))
	for _, h := range s.hosts {
		cp := *h
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) DeleteHost(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hosts[id]; !ok {
		return domain.ErrUnknownHost
	}
	delete(s.hosts, id)
	return nil
}

func (s *MemoryStore) CreatePool(ctx context.Context, p *domain.Pool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	for _, existing := range s.pools {
		if existing.Name == p.Name {
			return domain.ErrAlreadyExists
		}
	}
	cp := *p
	s.pools[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetPool(ctx context.Context, id string) (*domain.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[id]
	if !ok {
		return nil, domain.ErrUnknownPool
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) GetPoolByName(ctx context.Context, name string) (*domain.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.pools {
		if p.Name == name {
			cp := *p
			return &cp, nil
		}
	}
	return nil, domain.ErrUnknownPool
}

func (s *MemoryStore) ListPools(ctx context.Context) ([]*domain.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Pool, 0, len(s.pools))
	for _, p := range s.pools {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) SetPoolResourceMax(ctx context.Context, poolID string, max int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[poolID]
	if !ok {
		return domain.ErrUnknownPool
	}
	p.ResourceMax = max
	return nil
}

func (s *MemoryStore) DeletePool(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pools[id]; !ok {
		return domain.ErrUnknownPool
	}
	delete(s.pools, id)
	return nil
}

func (s *MemoryStore) CreateResource(ctx context.Context, r *domain.Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	s.seq++
	r.Seq = s.seq
	cp := *r
	s.resources[r.ID] = &cp
	return nil
}

func (s *MemoryStore) GetResource(ctx context.Context, id string) (*domain.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) ListPoolResources(ctx context.Context, poolID string) ([]*domain.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Resource
	for _, r := range s.resources {
		if r.PoolID == poolID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sortBySeq(out)
	return out, nil
}

func (s *MemoryStore) ListActionable(ctx context.Context, poolID string) ([]*domain.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Resource
	for _, r := range s.resources {
		if r.PoolID == poolID && r.Status != domain.StatusReady {
			cp := *r
			out = append(out, &cp)
		}
	}
	sortByActionTime(out)
	return out, nil
}

func (s *MemoryStore) NextDue(ctx context.Context) (*domain.Resource, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Resource
	for _, r := range s.resources {
		if r.Status != domain.StatusReady {
			cp := *r
			out = append(out, &cp)
		}
	}
	if len(out) == 0 {
		return nil, false, nil
	}
	sortByActionTime(out)
	return out[0], true, nil
}

func sortByActionTime(rs []*domain.Resource) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].ActionTime.Equal(rs[j].ActionTime) {
			return rs[i].Seq < rs[j].Seq
		}
		return rs[i].ActionTime.Before(rs[j].ActionTime)
	})
}

func sortBySeq(rs []*domain.Resource) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].Seq < rs[j].Seq })
}

func sortByName(rs []*domain.Resource) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].Name < rs[j].Name })
}

func (s *MemoryStore) Transition(ctx context.Context, resourceID string, status domain.Status, action domain.Action, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[resourceID]
	if !ok {
		return domain.ErrNotFound
	}
	r.Status = status
	r.Action = action
	r.ActionTime = now().Add(delay)
	return nil
}

func (s *MemoryStore) DeleteResource(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.resources[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.resources, id)
	delete(s.attrs, id)
	return nil
}

func (s *MemoryStore) SetIPAddr(ctx context.Context, id, ip string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[id]
	if !ok {
		return domain.ErrNotFound
	}
	r.IPAddr = ip
	return nil
}

func (s *MemoryStore) IncrementAttempts(ctx context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[id]
	if !ok {
		return 0, domain.ErrNotFound
	}
	r.Attempts++
	return r.Attempts, nil
}

func (s *MemoryStore) ResetAttempts(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[id]
	if !ok {
		return domain.ErrNotFound
	}
	r.Attempts = 0
	return nil
}

func (s *MemoryStore) AcquireReady(ctx context.Context, poolID string, ttl time.Duration) (*domain.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var candidates []*domain.Resource
	for _, r := range s.resources {
		if r.PoolID == poolID && r.Status == domain.StatusReady {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return nil, domain.ErrNoResources
	}
	sortByName(candidates)
	r := candidates[0]
	r.Status = domain.StatusReserved
	r.Action = domain.ActionNone
	r.ActionTime = now().Add(ttl)
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) ReleaseReserved(ctx context.Context, resourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[resourceID]
	if !ok {
		return domain.ErrNotFound
	}
	if r.Status != domain.StatusReserved {
		return domain.ErrNotReserved
	}
	r.Status = domain.StatusPending
	r.Action = domain.ActionDestroy
	r.ActionTime = now().Add(time.Second)
	return nil
}

func (s *MemoryStore) PoolStats(ctx context.Context, poolID string) (*domain.PoolStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[poolID]
	if !ok {
		return nil, domain.ErrUnknownPool
	}
	stats := &domain.PoolStats{Name: p.Name, ResourceMax: p.ResourceMax}
	for _, r := range s.resources {
		if r.PoolID != poolID {
			continue
		}
		switch r.Status {
		case domain.StatusReady:
			stats.Ready++
		case domain.StatusReserved:
			stats.Reserved++
		case domain.StatusPending:
			stats.Pending++
		case domain.StatusBad:
			stats.Bad++
		}
	}
	return stats, nil
}

func (s *MemoryStore) ListPoolStats(ctx context.Context) ([]*domain.PoolStats, error) {
	s.mu.Lock()
	pools := make([]*domain.Pool, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, p)
	}
	s.mu.Unlock()
	sort.Slice(pools, func(i, j int) bool { return pools[i].Name < pools[j].Name })
	out := make([]*domain.PoolStats, 0, len(pools))
	for _, p := range pools {
		st, err := s.PoolStats(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *MemoryStore) SetAttributes(ctx context.Context, resourceID string, attrs map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.resources[resourceID]; !ok {
		return domain.ErrNotFound
	}
	cp := make(map[string]string, len(attrs))
	for k, v := range attrs {
		cp[k] = v
	}
	s.attrs[resourceID] = cp
	return nil
}

func (s *MemoryStore) GetAttributes(ctx context.Context, resourceID string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	attrs, ok := s.attrs[resourceID]
	if !ok {
		return map[string]string{}, nil
	}
	cp := make(map[string]string, len(attrs))
	for k, v := range attrs {
		cp[k] = v
	}
	return cp, nil
}

// now is a var so tests can override it; production code always uses the
// wall clock.
var now = time.Now
