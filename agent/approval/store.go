package approval

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/BaSui01/queenbee/types"
)

// MemoryStore keeps requests in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*Request
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*Request)}
}

func (s *MemoryStore) Create(ctx context.Context, r *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[r.ID]; ok {
		return types.Errorf(types.ErrInvalidRequest, "approval %s already exists", r.ID)
	}
	s.items[r.ID] = cloneRequest(r)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.items[id]
	if !ok {
		return nil, notFound(id)
	}
	return cloneRequest(r), nil
}

func (s *MemoryStore) List(ctx context.Context, f Filter) ([]*Request, error) {
	s.mu.RLock()
	out := make([]*Request, 0, len(s.items))
	for _, r := range s.items {
		if f.match(r) {
			out = append(out, cloneRequest(r))
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Request) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Resolve(ctx context.Context, id string, status Status, approver, reason string, at time.Time) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.items[id]
	if !ok {
		return nil, notFound(id)
	}
	if r.Status != StatusPending {
		return nil, alreadyResolved(r)
	}
	next := cloneRequest(r)
	next.Status = status
	next.Approver = approver
	next.Reason = reason
	next.ResolvedAt = &at
	s.items[id] = next
	return cloneRequest(next), nil
}

func cloneRequest(r *Request) *Request {
	c := *r
	c.Data = maps.Clone(r.Data)
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

func sortByResolution(rs []*Request) {
	slices.SortStableFunc(rs, func(a, b *Request) int {
		switch {
		case a.ResolvedAt == nil && b.ResolvedAt == nil:
			return 0
		case a.ResolvedAt == nil:
			return 1
		case b.ResolvedAt == nil:
			return -1
		}
		return a.ResolvedAt.Compare(*b.ResolvedAt)
	})
}
