package orchestrator

import (
	"cmp"
	"slices"
	"sync"

	"github.com/BaSui01/queenbee/decision"
	"github.com/BaSui01/queenbee/types"
)

// ProposalFilter narrows ListProposals. Empty fields match everything.
type ProposalFilter struct {
	Status decision.Status `json:"status,omitempty"`
	Kind   decision.Kind   `json:"kind,omitempty"`
	Limit  int             `json:"limit,omitempty"`
}

func (f ProposalFilter) match(p *decision.Proposal) bool {
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	return f.Kind == "" || p.Kind == f.Kind
}

// proposalBook keeps every proposal the Queen created or recovered from the
// approval queue. Callers only ever see clones.
type proposalBook struct {
	mu    sync.RWMutex
	items map[string]*decision.Proposal
}

func newProposalBook() *proposalBook {
	return &proposalBook{items: make(map[string]*decision.Proposal)}
}

// put stores p unless a proposal with the same id exists. It reports whether
// p was added.
func (b *proposalBook) put(p *decision.Proposal) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.items[p.ID]; ok {
		return false
	}
	b.items[p.ID] = p.Clone()
	return true
}

func (b *proposalBook) get(id string) (*decision.Proposal, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.items[id]
	if !ok {
		return nil, types.Errorf(types.ErrNotFound, "proposal %s not found", id)
	}
	return p.Clone(), nil
}

// update applies fn to the stored proposal and returns a clone of the result.
// A failing fn leaves the proposal untouched.
func (b *proposalBook) update(id string, fn func(*decision.Proposal) error) (*decision.Proposal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.items[id]
	if !ok {
		return nil, types.Errorf(types.ErrNotFound, "proposal %s not found", id)
	}
	next := p.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	b.items[id] = next
	return next.Clone(), nil
}

// list returns matching proposals, newest first.
func (b *proposalBook) list(f ProposalFilter) []*decision.Proposal {
	b.mu.RLock()
	out := make([]*decision.Proposal, 0, len(b.items))
	for _, p := range b.items {
		if f.match(p) {
			out = append(out, p.Clone())
		}
	}
	b.mu.RUnlock()

	slices.SortFunc(out, func(a, c *decision.Proposal) int {
		if n := c.CreatedAt.Compare(a.CreatedAt); n != 0 {
			return n
		}
		return cmp.Compare(a.ID, c.ID)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// awaiting reports whether a proposed, not yet decided proposal already
// targets the same subject as p.
func (b *proposalBook) awaiting(p *decision.Proposal) bool {
	key := subject(p)
	if key == "" {
		return false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, other := range b.items {
		if other.ID != p.ID && other.Status == decision.StatusProposed && subject(other) == key {
			return true
		}
	}
	return false
}

// subject identifies what a proposal acts on. Only pool proposals have one;
// the others are explicit requests.
func subject(p *decision.Proposal) string {
	if p.Kind != decision.KindLiquidityRebalance {
		return ""
	}
	pool, _ := p.Parameters["pool"].(string)
	if pool == "" {
		return ""
	}
	return string(p.Kind) + ":" + pool
}
