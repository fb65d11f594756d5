package ledger

import (
	"context"
	"maps"
	"sync"
	"time"
)

// MemoryStore keeps usage in process memory. State is lost on restart.
type MemoryStore struct {
	mu       sync.Mutex
	usage    map[string]Usage
	counters map[string]float64
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{usage: make(map[string]Usage), counters: make(map[string]float64)}
}

// current returns the row for resource, rolled over when its window ended.
func (s *MemoryStore) current(resource string, now, nextReset time.Time) Usage {
	u, ok := s.usage[resource]
	if !ok || !now.Before(u.ResetAt) {
		u = Usage{Resource: resource, Ceiling: u.Ceiling, ResetAt: nextReset}
	}
	return u
}

func (s *MemoryStore) Reserve(ctx context.Context, resource string, amount, ceiling float64, now, nextReset time.Time) (Usage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.current(resource, now, nextReset)
	u.Ceiling = ceiling
	if !fits(u.Used, amount, ceiling) {
		return u, false, nil
	}
	u.Used += amount
	s.usage[resource] = u
	return u, true, nil
}

func (s *MemoryStore) Release(ctx context.Context, resource string, amount float64, now, nextReset time.Time) (Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.current(resource, now, nextReset)
	u.Used = max(u.Used-amount, 0)
	s.usage[resource] = u
	return u, nil
}

func (s *MemoryStore) Usage(ctx context.Context, resource string, now, nextReset time.Time) (Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current(resource, now, nextReset), nil
}

func (s *MemoryStore) Incr(ctx context.Context, name string, delta float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[name] += delta
	return s.counters[name], nil
}

func (s *MemoryStore) IncrWithin(ctx context.Context, name string, delta, ceiling float64) (float64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.counters[name]
	if !fits(v, delta, ceiling) {
		return v, false, nil
	}
	s.counters[name] = v + delta
	return v + delta, true, nil
}

func (s *MemoryStore) Counters(ctx context.Context) (map[string]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.counters), nil
}
