package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/BaSui01/queenbee/agent/board"
	"github.com/BaSui01/queenbee/agent/bus"
	"github.com/BaSui01/queenbee/agent/registry"
	"github.com/BaSui01/queenbee/decision"
	"github.com/BaSui01/queenbee/ledger"
	"github.com/BaSui01/queenbee/llm"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Health is the overall hive status.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthCritical Health = "critical"
)

// maxAlerts bounds the alerts kept in the snapshot.
const maxAlerts = 20

// Alert is a board post the Queen picked up from a watched category.
type Alert struct {
	PostID   string         `json:"post_id"`
	Category board.Category `json:"category"`
	Title    string         `json:"title"`
	Author   string         `json:"author"`
	Priority int            `json:"priority"`
	At       time.Time      `json:"at"`
}

// Snapshot is the monitor loop's view of the hive.
type Snapshot struct {
	Status Health   `json:"status"`
	Issues []string `json:"issues,omitempty"`

	ActiveBees int                     `json:"active_bees"`
	TotalBees  int                     `json:"total_bees"`
	BeeCounts  map[registry.Status]int `json:"bee_counts"`

	Bus       bus.Health           `json:"bus"`
	Board     *board.Stats         `json:"board,omitempty"`
	Providers []llm.ProviderStatus `json:"providers,omitempty"`
	Ledger    []ledger.Usage       `json:"ledger,omitempty"`

	Metrics          *decision.Metrics `json:"system_metrics,omitempty"`
	MetricsError     string            `json:"metrics_error,omitempty"`
	MetricsUpdatedAt time.Time         `json:"last_metrics_update,omitzero"`

	DecisionCount int64   `json:"decision_count"`
	ProposalCount int64   `json:"proposal_count"`
	Alerts        []Alert `json:"alerts,omitempty"`

	TakenAt time.Time `json:"timestamp"`
}

// state holds what the loops share. Every access goes through its methods.
type state struct {
	mu        sync.RWMutex
	snap      Snapshot
	metrics   *decision.Metrics
	metricsAt time.Time
	alerts    []Alert
}

func (s *state) snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.snap
	out.Issues = slices.Clone(s.snap.Issues)
	out.Alerts = slices.Clone(s.alerts)
	return out
}

func (s *state) setSnapshot(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap
}

func (s *state) latestMetrics() (*decision.Metrics, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.metrics == nil {
		return nil, time.Time{}
	}
	m := copyMetrics(*s.metrics, s.metricsAt)
	return &m, s.metricsAt
}

func (s *state) setMetrics(m decision.Metrics, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = &m
	s.metricsAt = at
}

func (s *state) addAlert(a Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	if len(s.alerts) > maxAlerts {
		s.alerts = slices.Clone(s.alerts[len(s.alerts)-maxAlerts:])
	}
}

// Snapshot returns the latest monitor snapshot. It is zero before the first
// monitor pass.
func (q *Queen) Snapshot() Snapshot {
	return q.state.snapshot()
}

// Monitor collects a fresh snapshot and stores it. The slow sources run
// concurrently; their failures become issues instead of errors.
func (q *Queen) Monitor(ctx context.Context) Snapshot {
	ctx, cancel := context.WithTimeout(ctx, q.cfg.CollectTimeout)
	defer cancel()

	now := q.now().UTC()
	snap := Snapshot{
		BeeCounts: q.registry.Counts(),
		Bus:       q.bus.Health(),
		TakenAt:   now,
	}
	if q.gateway != nil {
		snap.Providers = q.gateway.ListProviders()
	}

	var (
		metrics    decision.Metrics
		metricsErr error
		boardStats board.Stats
		boardErr   error
		usage      []ledger.Usage
		counters   map[string]float64
		ledgerErr  error
	)
	var g errgroup.Group
	g.Go(func() error {
		metrics, metricsErr = q.safeCollect(ctx)
		return nil
	})
	if q.board != nil {
		g.Go(func() error {
			boardStats, boardErr = q.board.Stats(ctx)
			return nil
		})
	}
	g.Go(func() error {
		if usage, ledgerErr = q.ledger.Snapshot(ctx); ledgerErr != nil {
			return nil
		}
		counters, ledgerErr = q.ledger.Counters(ctx)
		return nil
	})
	_ = g.Wait()

	if metricsErr != nil {
		snap.MetricsError = metricsErr.Error()
		q.logger.Error("failed to collect system metrics", zap.Error(metricsErr))
	} else {
		q.state.setMetrics(metrics, now)
	}
	snap.Metrics, snap.MetricsUpdatedAt = q.state.latestMetrics()

	if q.board != nil {
		if boardErr != nil {
			snap.Issues = append(snap.Issues, "board stats unavailable: "+boardErr.Error())
		} else {
			snap.Board = &boardStats
		}
	}
	if ledgerErr != nil {
		snap.Issues = append(snap.Issues, "ledger unavailable: "+ledgerErr.Error())
	} else {
		snap.Ledger = usage
		snap.DecisionCount = int64(counters[ledger.CounterDecisions])
		snap.ProposalCount = int64(counters[ledger.CounterProposals])
	}

	q.assess(&snap, metricsErr)
	q.state.setSnapshot(snap)
	if snap.Status != HealthHealthy {
		q.logger.Warn("hive health degraded",
			zap.String("status", string(snap.Status)),
			zap.Strings("issues", snap.Issues),
			zap.Int("active_bees", snap.ActiveBees),
			zap.Int("total_bees", snap.TotalBees),
		)
	}
	return q.state.snapshot()
}

// assess derives the overall status. Idle bees count as active since they
// can take work.
func (q *Queen) assess(snap *Snapshot, metricsErr error) {
	for status, n := range snap.BeeCounts {
		if status == registry.StatusUnregistered {
			continue
		}
		snap.TotalBees += n
		if status == registry.StatusActive || status == registry.StatusIdle {
			snap.ActiveBees += n
		}
	}

	snap.Status = HealthHealthy
	degrade := func(h Health, issue string) {
		snap.Issues = append(snap.Issues, issue)
		if h == HealthCritical || snap.Status == HealthHealthy {
			snap.Status = h
		}
	}
	if float64(snap.ActiveBees) < float64(snap.TotalBees)*q.cfg.DegradedRatio {
		degrade(HealthDegraded, fmt.Sprintf("only %d of %d bees active", snap.ActiveBees, snap.TotalBees))
	}
	for _, p := range snap.Providers {
		if !p.Healthy {
			degrade(HealthDegraded, "provider "+p.Name+" unhealthy")
		}
	}
	switch snap.Bus.Status {
	case bus.HealthCritical:
		degrade(HealthCritical, "message bus critical")
	case bus.HealthDegraded:
		degrade(HealthDegraded, "message bus degraded")
	}
	if metricsErr != nil {
		degrade(HealthCritical, "metrics source unavailable")
	}
}
