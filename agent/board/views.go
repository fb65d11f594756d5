package board

import (
	"slices"
	"sync"
)

// ViewStats records reads of a post. It lives outside the post so reads
// never mutate board state.
type ViewStats struct {
	Count   int      `json:"count"`
	Readers []string `json:"readers,omitempty"`
}

type viewTracker struct {
	mu    sync.Mutex
	views map[string]*ViewStats
}

func newViewTracker() *viewTracker {
	return &viewTracker{views: make(map[string]*ViewStats)}
}

func (t *viewTracker) record(id, reader string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.views[id]
	if !ok {
		v = &ViewStats{}
		t.views[id] = v
	}
	v.Count++
	if reader != "" && !slices.Contains(v.Readers, reader) {
		v.Readers = append(v.Readers, reader)
	}
}

func (t *viewTracker) get(id string) ViewStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.views[id]
	if !ok {
		return ViewStats{}
	}
	return ViewStats{Count: v.Count, Readers: slices.Clone(v.Readers)}
}

func (t *viewTracker) forget(ids ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		delete(t.views, id)
	}
}
