// Package registry tracks agent lifecycle: registration, heartbeats, task
// outcomes and health.
package registry

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/queenbee/internal/metrics"
	"github.com/BaSui01/queenbee/types"
	"go.uber.org/zap"
)

// Config configures the registry.
type Config struct {
	// IdleWindow is how long an agent may go without a heartbeat before it
	// is reported idle.
	IdleWindow time.Duration `json:"idle_window" yaml:"idle_window"`

	// ErrorThreshold is the number of consecutive task failures that moves
	// an agent into the error state.
	ErrorThreshold int `json:"error_threshold" yaml:"error_threshold"`

	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`

	// Now is used for testing. Defaults to time.Now.
	Now func() time.Time `json:"-" yaml:"-"`
}

// DefaultConfig returns the registry defaults.
func DefaultConfig() Config {
	return Config{
		IdleWindow:     10 * time.Second,
		ErrorThreshold: 3,
		SweepInterval:  5 * time.Second,
	}
}

// Registry owns the agent table. Records are replaced wholesale under the
// lock, so readers always see a complete snapshot.
type Registry struct {
	cfg     Config
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Collector

	mu     sync.RWMutex
	agents map[string]*Agent
}

// New creates an empty registry.
func New(cfg Config, collector *metrics.Collector, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.IdleWindow <= 0 {
		cfg.IdleWindow = def.IdleWindow
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = def.ErrorThreshold
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		cfg:     cfg,
		now:     now,
		logger:  logger.With(zap.String("component", "agent_registry")),
		metrics: collector,
		agents:  make(map[string]*Agent),
	}
}

// Register adds an agent or re-activates a known one, replacing its
// descriptor. Counters survive re-registration.
func (r *Registry) Register(desc Descriptor) (Agent, error) {
	desc.ID = strings.TrimSpace(desc.ID)
	if desc.ID == "" {
		return Agent{}, types.NewError(types.ErrInvalidRequest, "agent id is required")
	}
	if desc.Capability == "" {
		desc.Capability = CapabilityDeterministic
	}
	if desc.Capability != CapabilityDeterministic && desc.Capability != CapabilityGenerative {
		return Agent{}, types.Errorf(types.ErrInvalidRequest, "unknown capability %q", desc.Capability)
	}
	if desc.Name == "" {
		desc.Name = desc.ID
	}
	desc.Kinds = slices.Clone(desc.Kinds)
	desc.Metadata = maps.Clone(desc.Metadata)

	now := r.now()
	r.mu.Lock()
	prev, ok := r.agents[desc.ID]
	next := &Agent{Descriptor: desc, Status: StatusActive, RegisteredAt: now, LastHeartbeat: now}
	if ok {
		cp := *prev
		cp.Descriptor = desc
		cp.Status = StatusActive
		cp.LastHeartbeat = now
		cp.ConsecutiveFailures = 0
		next = &cp
	}
	r.agents[desc.ID] = next
	r.mu.Unlock()

	if ok {
		r.transition(desc.ID, prev.Status, StatusActive)
	}
	r.logger.Info("agent registered",
		zap.String("agent_id", desc.ID),
		zap.String("capability", string(desc.Capability)),
		zap.Bool("re_registered", ok),
	)
	r.publishCounts()
	return *next, nil
}

// Deregister marks an agent unregistered. Records are kept for audit.
func (r *Registry) Deregister(id string) error {
	prev, err := r.update(id, func(a *Agent) error {
		a.Status = StatusUnregistered
		return nil
	})
	if err != nil {
		return err
	}
	r.transition(id, prev, StatusUnregistered)
	r.logger.Info("agent deregistered", zap.String("agent_id", id))
	r.publishCounts()
	return nil
}

// Heartbeat refreshes liveness. An empty status means active. Agents in the
// error state stay there until Reset.
func (r *Registry) Heartbeat(id string, status Status) error {
	if status == "" {
		status = StatusActive
	}
	if status != StatusActive && status != StatusIdle && status != StatusError {
		return types.Errorf(types.ErrInvalidRequest, "heartbeat status %q not allowed", status)
	}
	now := r.now()
	var next Status
	prev, err := r.update(id, func(a *Agent) error {
		if a.Status == StatusUnregistered {
			return types.Errorf(types.ErrAgentUnavailable, "agent %s is unregistered", id)
		}
		a.LastHeartbeat = now
		if a.Status != StatusError {
			a.Status = status
		}
		next = a.Status
		return nil
	})
	if err != nil {
		return err
	}
	r.transition(id, prev, next)
	return nil
}

// Get returns the current snapshot of an agent.
func (r *Registry) Get(id string) (Agent, error) {
	r.mu.RLock()
	a, ok := r.agents[id]
	r.mu.RUnlock()
	if !ok {
		return Agent{}, types.Errorf(types.ErrNotFound, "agent %s not found", id)
	}
	return r.effective(*a), nil
}

// List returns matching agents ordered by id.
func (r *Registry) List(f Filter) []Agent {
	r.mu.RLock()
	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, *a)
	}
	r.mu.RUnlock()

	filtered := out[:0]
	for _, a := range out {
		a = r.effective(a)
		if f.match(a) {
			filtered = append(filtered, a)
		}
	}
	slices.SortFunc(filtered, func(x, y Agent) int { return strings.Compare(x.ID, y.ID) })
	return filtered
}

// RecordTask updates task counters. Reaching the consecutive failure
// threshold moves the agent into the error state.
func (r *Registry) RecordTask(id string, success bool, detail string, d time.Duration) error {
	now := r.now()
	var next Status
	prev, err := r.update(id, func(a *Agent) error {
		a.TasksAttempted++
		a.TotalDuration += d
		a.LastActivity = now
		a.LastHeartbeat = now
		if success {
			a.TasksSucceeded++
			a.ConsecutiveFailures = 0
			if a.Status == StatusIdle {
				a.Status = StatusActive
			}
		} else {
			a.TasksFailed++
			a.ConsecutiveFailures++
			a.LastError = detail
			if a.ConsecutiveFailures >= r.cfg.ErrorThreshold && a.Status != StatusUnregistered {
				a.Status = StatusError
			}
		}
		next = a.Status
		return nil
	})
	if err != nil {
		return err
	}
	r.metrics.RecordAgentTask(id, success, d)
	if prev != next && next == StatusError {
		r.logger.Warn("agent moved to error state",
			zap.String("agent_id", id),
			zap.Int("threshold", r.cfg.ErrorThreshold),
			zap.String("last_error", detail),
		)
	}
	r.transition(id, prev, next)
	return nil
}

// Reset clears the error state and failure streak.
func (r *Registry) Reset(id string) error {
	now := r.now()
	prev, err := r.update(id, func(a *Agent) error {
		if a.Status == StatusUnregistered {
			return types.Errorf(types.ErrAgentUnavailable, "agent %s is unregistered", id)
		}
		a.Status = StatusActive
		a.ConsecutiveFailures = 0
		a.LastError = ""
		a.LastHeartbeat = now
		return nil
	})
	if err != nil {
		return err
	}
	r.transition(id, prev, StatusActive)
	return nil
}

// Dispatchable reports whether tasks may be routed to the agent.
func (r *Registry) Dispatchable(id string) bool {
	a, err := r.Get(id)
	if err != nil {
		return false
	}
	return a.Status == StatusActive || a.Status == StatusIdle
}

// Counts returns the number of agents per effective status.
func (r *Registry) Counts() map[Status]int {
	counts := map[Status]int{
		StatusActive:       0,
		StatusIdle:         0,
		StatusError:        0,
		StatusUnregistered: 0,
	}
	for _, a := range r.List(Filter{}) {
		counts[a.Status]++
	}
	return counts
}

// Sweep persists the idle state of agents whose heartbeat went stale and
// returns how many changed.
func (r *Registry) Sweep() int {
	now := r.now()
	var changed []string

	r.mu.Lock()
	for id, a := range r.agents {
		if a.Status == StatusActive && now.Sub(a.LastHeartbeat) > r.cfg.IdleWindow {
			cp := *a
			cp.Status = StatusIdle
			r.agents[id] = &cp
			changed = append(changed, id)
		}
	}
	r.mu.Unlock()

	for _, id := range changed {
		r.transition(id, StatusActive, StatusIdle)
	}
	if len(changed) > 0 {
		r.logger.Debug("marked stale agents idle", zap.Int("count", len(changed)))
	}
	r.publishCounts()
	return len(changed)
}

// Run sweeps periodically until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// update applies fn to a copy of the record and swaps it in. It returns the
// status before the change.
func (r *Registry) update(id string, fn func(*Agent) error) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return "", types.Errorf(types.ErrNotFound, "agent %s not found", id)
	}
	cp := *a
	if err := fn(&cp); err != nil {
		return a.Status, err
	}
	r.agents[id] = &cp
	return a.Status, nil
}

// effective reports a stale active agent as idle without waiting for Sweep.
func (r *Registry) effective(a Agent) Agent {
	if a.Status == StatusActive && r.now().Sub(a.LastHeartbeat) > r.cfg.IdleWindow {
		a.Status = StatusIdle
	}
	return a
}

func (r *Registry) transition(id string, from, to Status) {
	if from == to {
		return
	}
	r.metrics.RecordAgentStateTransition(id, string(from), string(to))
}

func (r *Registry) publishCounts() {
	if r.metrics == nil {
		return
	}
	counts := r.Counts()
	out := make(map[string]int, len(counts))
	for s, n := range counts {
		out[string(s)] = n
	}
	r.metrics.SetAgentCounts(out)
}
