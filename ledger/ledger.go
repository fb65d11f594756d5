// Package ledger 维护按资源划分的每日限额账本以及累计决策计数。
//
// 检查与累加在同一个互斥区内完成，并且每个 Store 实现自身也保证
// 原子性（SQL 行锁、Redis Lua 脚本、Mongo 条件更新），因此多进程
// 共享同一存储时同样不会突破上限。
package ledger

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/BaSui01/queenbee/internal/metrics"
	"github.com/BaSui01/queenbee/types"
	"go.uber.org/zap"
)

// Counter names persisted next to the usage rows.
const (
	CounterDecisions = "decisions"
	CounterProposals = "proposals"
	CounterExecuted  = "executed"
	CounterRejected  = "rejected"
)

// OperationTotal names the cumulative amount executed for a resource.
func OperationTotal(resource string) string { return "total:" + resource }

// CampaignSpent names the cumulative spend of a campaign type.
func CampaignSpent(campaign string) string { return "campaign:" + campaign }

// Usage is the daily state of one resource.
type Usage struct {
	Resource string    `json:"resource"`
	Used     float64   `json:"used"`
	Ceiling  float64   `json:"ceiling"`
	ResetAt  time.Time `json:"reset_at"`
}

// Remaining is the headroom before the ceiling. Unlimited resources report -1.
func (u Usage) Remaining() float64 {
	if u.Ceiling <= 0 {
		return -1
	}
	return max(u.Ceiling-u.Used, 0)
}

// Store persists usage rows and counters. Reserve must check and add in one
// atomic step and report ok=false, without changing state, when the ceiling
// would be breached. A row whose reset boundary has passed starts from zero
// with nextReset as its new boundary. A ceiling <= 0 means unlimited.
// IncrWithin is the same check-and-add for counters, which never reset.
type Store interface {
	Reserve(ctx context.Context, resource string, amount, ceiling float64, now, nextReset time.Time) (Usage, bool, error)
	Release(ctx context.Context, resource string, amount float64, now, nextReset time.Time) (Usage, error)
	Usage(ctx context.Context, resource string, now, nextReset time.Time) (Usage, error)
	Incr(ctx context.Context, name string, delta float64) (float64, error)
	IncrWithin(ctx context.Context, name string, delta, ceiling float64) (float64, bool, error)
	Counters(ctx context.Context) (map[string]float64, error)
}

// NextReset returns the next UTC midnight after now.
func NextReset(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}

// Config 配置账本
type Config struct {
	// Ceilings maps resource to its daily ceiling.
	Ceilings map[string]float64 `json:"ceilings" yaml:"ceilings"`
	// Now is used for testing.
	Now func() time.Time `json:"-" yaml:"-"`
}

// Ledger is the rate-limit ledger shared by the decision loop and request
// handlers.
type Ledger struct {
	store   Store
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Collector

	// mu serializes check-and-increment within the process.
	mu       sync.Mutex
	ceilMu   sync.RWMutex
	ceilings map[string]float64
}

// New 创建账本
func New(store Store, cfg Config, collector *metrics.Collector, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	ceilings := maps.Clone(cfg.Ceilings)
	if ceilings == nil {
		ceilings = make(map[string]float64)
	}
	return &Ledger{
		store:    store,
		now:      cfg.Now,
		logger:   logger.With(zap.String("component", "ledger")),
		metrics:  collector,
		ceilings: ceilings,
	}
}

// Ceiling returns the configured ceiling, or 0 when unlimited.
func (l *Ledger) Ceiling(resource string) float64 {
	l.ceilMu.RLock()
	defer l.ceilMu.RUnlock()
	return l.ceilings[resource]
}

// SetCeiling changes a resource ceiling. It applies to the next reservation.
func (l *Ledger) SetCeiling(resource string, ceiling float64) {
	l.ceilMu.Lock()
	defer l.ceilMu.Unlock()
	l.ceilings[resource] = ceiling
}

// Resources lists the resources that have a ceiling, sorted.
func (l *Ledger) Resources() []string {
	l.ceilMu.RLock()
	defer l.ceilMu.RUnlock()
	return slices.Sorted(maps.Keys(l.ceilings))
}

// Reserve adds amount to today's usage of resource. It fails with
// RATE_LIMIT_EXCEEDED, leaving usage unchanged, when the ceiling would be
// breached.
func (l *Ledger) Reserve(ctx context.Context, resource string, amount float64) (Usage, error) {
	if resource == "" || amount < 0 {
		return Usage{}, types.NewError(types.ErrInvalidRequest, "reservation needs a resource and a non-negative amount")
	}
	ceiling := l.Ceiling(resource)

	l.mu.Lock()
	now := l.now().UTC()
	u, ok, err := l.store.Reserve(ctx, resource, amount, ceiling, now, NextReset(now))
	l.mu.Unlock()

	if err != nil {
		l.metrics.RecordLedgerReservation(resource, "error")
		return Usage{}, types.Wrap(err, types.ErrInternalError, "reserve "+resource)
	}
	if !ok {
		l.metrics.RecordLedgerReservation(resource, "rejected")
		l.logger.Warn("daily ceiling reached",
			zap.String("resource", resource),
			zap.Float64("requested", amount),
			zap.Float64("used", u.Used),
			zap.Float64("ceiling", ceiling),
		)
		return u, types.Errorf(types.ErrRateLimitExceeded, "%s: %.2f requested, %.2f of %.2f used today", resource, amount, u.Used, ceiling).
			WithDetails("resource", resource).
			WithDetails("requested", amount).
			WithDetails("used", u.Used).
			WithDetails("ceiling", ceiling).
			WithDetails("reset_at", u.ResetAt)
	}
	l.metrics.RecordLedgerReservation(resource, "ok")
	l.metrics.SetLedgerUsage(resource, u.Used, ceiling)
	return u, nil
}

// Override records amount without checking the ceiling. It is the elevated
// path for actions an approver signed off on, and the only way usage can end
// up above the ceiling.
func (l *Ledger) Override(ctx context.Context, resource string, amount float64) (Usage, error) {
	if resource == "" || amount < 0 {
		return Usage{}, types.NewError(types.ErrInvalidRequest, "override needs a resource and a non-negative amount")
	}
	l.mu.Lock()
	now := l.now().UTC()
	u, _, err := l.store.Reserve(ctx, resource, amount, 0, now, NextReset(now))
	l.mu.Unlock()
	if err != nil {
		l.metrics.RecordLedgerReservation(resource, "error")
		return Usage{}, types.Wrap(err, types.ErrInternalError, "override "+resource)
	}
	u.Ceiling = l.Ceiling(resource)
	l.metrics.RecordLedgerReservation(resource, "override")
	l.metrics.SetLedgerUsage(resource, u.Used, u.Ceiling)
	l.logger.Warn("ceiling overridden by approval",
		zap.String("resource", resource),
		zap.Float64("amount", amount),
		zap.Float64("used", u.Used),
		zap.Float64("ceiling", u.Ceiling),
	)
	return u, nil
}

// Release returns a reservation, e.g. after the action failed. Usage never
// drops below zero.
func (l *Ledger) Release(ctx context.Context, resource string, amount float64) (Usage, error) {
	if amount <= 0 {
		return l.Usage(ctx, resource)
	}
	l.mu.Lock()
	now := l.now().UTC()
	u, err := l.store.Release(ctx, resource, amount, now, NextReset(now))
	l.mu.Unlock()
	if err != nil {
		return Usage{}, types.Wrap(err, types.ErrInternalError, "release "+resource)
	}
	u.Ceiling = l.Ceiling(resource)
	l.metrics.SetLedgerUsage(resource, u.Used, u.Ceiling)
	return u, nil
}

// Usage returns today's usage of resource.
func (l *Ledger) Usage(ctx context.Context, resource string) (Usage, error) {
	now := l.now().UTC()
	u, err := l.store.Usage(ctx, resource, now, NextReset(now))
	if err != nil {
		return Usage{}, types.Wrap(err, types.ErrInternalError, "usage "+resource)
	}
	u.Ceiling = l.Ceiling(resource)
	return u, nil
}

// Snapshot returns the usage of every resource with a ceiling.
func (l *Ledger) Snapshot(ctx context.Context) ([]Usage, error) {
	resources := l.Resources()
	out := make([]Usage, 0, len(resources))
	for _, r := range resources {
		u, err := l.Usage(ctx, r)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

// Incr bumps a persisted counter and returns its new value.
func (l *Ledger) Incr(ctx context.Context, name string, delta float64) (float64, error) {
	v, err := l.store.Incr(ctx, name, delta)
	if err != nil {
		return 0, types.Wrap(err, types.ErrInternalError, "increment "+name)
	}
	return v, nil
}

// Spend adds amount to the cumulative counter name unless that would take it
// past budget, in which case it fails with BUDGET_EXCEEDED and the counter
// is left alone. Refund with Incr and a negative delta.
func (l *Ledger) Spend(ctx context.Context, name string, amount, budget float64) (float64, error) {
	if name == "" || amount < 0 {
		return 0, types.NewError(types.ErrInvalidRequest, "spend needs a counter and a non-negative amount")
	}
	l.mu.Lock()
	v, ok, err := l.store.IncrWithin(ctx, name, amount, budget)
	l.mu.Unlock()
	if err != nil {
		return 0, types.Wrap(err, types.ErrInternalError, "spend "+name)
	}
	if !ok {
		l.logger.Warn("budget exhausted",
			zap.String("counter", name),
			zap.Float64("requested", amount),
			zap.Float64("spent", v),
			zap.Float64("budget", budget),
		)
		return v, types.Errorf(types.ErrBudgetExceeded, "%s: %.2f requested, %.2f of %.2f spent", name, amount, v, budget).
			WithDetails("counter", name).
			WithDetails("requested", amount).
			WithDetails("spent", v).
			WithDetails("budget", budget).
			WithDetails("remaining", max(budget-v, 0))
	}
	return v, nil
}

// Counters returns every persisted counter.
func (l *Ledger) Counters(ctx context.Context) (map[string]float64, error) {
	c, err := l.store.Counters(ctx)
	if err != nil {
		return nil, types.Wrap(err, types.ErrInternalError, "read counters")
	}
	return c, nil
}

// Counter returns a single counter, zero when absent.
func (l *Ledger) Counter(ctx context.Context, name string) (float64, error) {
	c, err := l.Counters(ctx)
	if err != nil {
		return 0, err
	}
	return c[name], nil
}

// fits reports whether amount can be added under ceiling.
func fits(used, amount, ceiling float64) bool {
	return ceiling <= 0 || used+amount <= ceiling
}
