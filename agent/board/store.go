package board

import (
	"context"
	"errors"
	"slices"
	"sync"
)

// ErrNotFound is returned when a post does not exist.
var ErrNotFound = errors.New("post not found")

// Scope selects an index when listing posts.
type Scope struct {
	Category Category
	Author   string
}

// Store persists posts. Implementations do not interpret expiry beyond
// best-effort storage eviction; the board filters expired posts itself.
type Store interface {
	Save(ctx context.Context, p *Post) error
	Get(ctx context.Context, id string) (*Post, error)
	List(ctx context.Context, scope Scope) ([]*Post, error)
	Delete(ctx context.Context, ids ...string) error
}

// MemoryStore keeps posts in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	posts map[string]*Post
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{posts: make(map[string]*Post)}
}

func (s *MemoryStore) Save(ctx context.Context, p *Post) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.posts[p.ID] = p
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Post, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.posts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

func (s *MemoryStore) List(ctx context.Context, scope Scope) ([]*Post, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Post, 0, len(s.posts))
	for _, p := range s.posts {
		if scope.Category != "" && p.Category != scope.Category {
			continue
		}
		if scope.Author != "" && p.Author != scope.Author {
			continue
		}
		out = append(out, p)
	}
	slices.SortFunc(out, newestFirst)
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, ids ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	for _, id := range ids {
		delete(s.posts, id)
	}
	s.mu.Unlock()
	return nil
}

func newestFirst(a, b *Post) int {
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}
