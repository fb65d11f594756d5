package orchestrator

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/BaSui01/queenbee/decision"
)

// MetricsSource supplies the chain metrics the decision loop evaluates.
type MetricsSource interface {
	Collect(ctx context.Context) (decision.Metrics, error)
}

// SourceFunc adapts a function to MetricsSource.
type SourceFunc func(ctx context.Context) (decision.Metrics, error)

// Collect calls f.
func (f SourceFunc) Collect(ctx context.Context) (decision.Metrics, error) { return f(ctx) }

// StaticSource serves a fixed metrics set, typically loaded from config.
// Set replaces it at runtime.
type StaticSource struct {
	mu  sync.RWMutex
	m   decision.Metrics
	now func() time.Time
}

// NewStaticSource 创建静态指标源
func NewStaticSource(m decision.Metrics) *StaticSource {
	return &StaticSource{m: m, now: time.Now}
}

// Set replaces the served metrics.
func (s *StaticSource) Set(m decision.Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m = m
}

// Collect returns a copy of the metrics stamped with the collection time.
func (s *StaticSource) Collect(ctx context.Context) (decision.Metrics, error) {
	if err := ctx.Err(); err != nil {
		return decision.Metrics{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyMetrics(s.m, s.now().UTC()), nil
}

func copyMetrics(m decision.Metrics, at time.Time) decision.Metrics {
	out := decision.Metrics{
		Pools:       slices.Clone(m.Pools),
		CollectedAt: m.CollectedAt,
	}
	if out.CollectedAt.IsZero() {
		out.CollectedAt = at
	}
	if m.Staking != nil {
		st := *m.Staking
		st.Stakers = slices.Clone(m.Staking.Stakers)
		out.Staking = &st
	}
	return out
}
