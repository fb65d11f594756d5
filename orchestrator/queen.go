// Package orchestrator 实现蜂后（Queen）：监控、决策与每日分发三个后台循环，
// 以及对外的 ProcessRequest 请求入口。
//
// Queen 不持有业务状态，所有协作者（总线、看板、注册表、LLM 网关、
// 决策引擎、限额账本、审批队列）都由构造函数注入。循环之间只通过
// 带锁的快照访问器共享数据。
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/BaSui01/queenbee/agent"
	"github.com/BaSui01/queenbee/agent/approval"
	"github.com/BaSui01/queenbee/agent/board"
	"github.com/BaSui01/queenbee/agent/bus"
	"github.com/BaSui01/queenbee/agent/registry"
	"github.com/BaSui01/queenbee/decision"
	"github.com/BaSui01/queenbee/internal/metrics"
	"github.com/BaSui01/queenbee/ledger"
	"github.com/BaSui01/queenbee/llm"
	"github.com/BaSui01/queenbee/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/BaSui01/queenbee/orchestrator"

// Loop names, used in logs and metrics.
const (
	LoopMonitor  = "monitor"
	LoopDecision = "decision"
	LoopDaily    = "daily"
)

// Config 配置 Queen
type Config struct {
	// ID is the Queen's bus mailbox and board author.
	ID string `json:"id" yaml:"id"`
	// Executor is the bee that carries out proposals.
	Executor string `json:"executor" yaml:"executor"`

	MonitorInterval  time.Duration `json:"monitor_interval" yaml:"monitor_interval"`
	DecisionInterval time.Duration `json:"decision_interval" yaml:"decision_interval"`
	// DailyAt is the offset from 00:00 UTC at which the daily loop fires.
	DailyAt time.Duration `json:"daily_at" yaml:"daily_at"`

	DispatchTimeout    time.Duration `json:"dispatch_timeout" yaml:"dispatch_timeout"`
	MaxDispatchTimeout time.Duration `json:"max_dispatch_timeout" yaml:"max_dispatch_timeout"`
	CollectTimeout     time.Duration `json:"collect_timeout" yaml:"collect_timeout"`

	// DegradedRatio is the share of active bees below which health degrades.
	DegradedRatio float64 `json:"degraded_ratio" yaml:"degraded_ratio"`
	// Watch lists board categories whose posts become snapshot alerts.
	Watch []board.Category `json:"watch" yaml:"watch"`

	Now func() time.Time `json:"-" yaml:"-"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		ID:                 "queen",
		Executor:           "executor",
		MonitorInterval:    30 * time.Second,
		DecisionInterval:   5 * time.Minute,
		DispatchTimeout:    30 * time.Second,
		MaxDispatchTimeout: 2 * time.Minute,
		CollectTimeout:     10 * time.Second,
		DegradedRatio:      0.5,
		Watch:              []board.Category{board.CategorySecurityAlerts, board.CategoryBeeStatus},
	}
}

func (c *Config) normalize() {
	def := DefaultConfig()
	if c.ID == "" {
		c.ID = def.ID
	}
	if c.Executor == "" {
		c.Executor = def.Executor
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = def.MonitorInterval
	}
	if c.DecisionInterval <= 0 {
		c.DecisionInterval = def.DecisionInterval
	}
	if c.DailyAt < 0 || c.DailyAt >= 24*time.Hour {
		c.DailyAt = 0
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = def.DispatchTimeout
	}
	if c.MaxDispatchTimeout < c.DispatchTimeout {
		c.MaxDispatchTimeout = max(def.MaxDispatchTimeout, c.DispatchTimeout)
	}
	if c.CollectTimeout <= 0 {
		c.CollectTimeout = def.CollectTimeout
	}
	if c.DegradedRatio <= 0 || c.DegradedRatio > 1 {
		c.DegradedRatio = def.DegradedRatio
	}
	if c.Watch == nil {
		c.Watch = def.Watch
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Deps are the Queen's collaborators. Board, Gateway, Source, Metrics and
// Logger are optional.
type Deps struct {
	Bus       *bus.Bus
	Board     *board.Board
	Registry  *registry.Registry
	Gateway   *llm.Gateway
	Engine    *decision.Engine
	Ledger    *ledger.Ledger
	Approvals *approval.Queue
	Source    MetricsSource
	Metrics   *metrics.Collector
	Logger    *zap.Logger
}

// Queen coordinates the bees.
type Queen struct {
	cfg       Config
	now       func() time.Time
	bus       *bus.Bus
	board     *board.Board
	registry  *registry.Registry
	gateway   *llm.Gateway
	engine    *decision.Engine
	ledger    *ledger.Ledger
	approvals *approval.Queue
	source    MetricsSource
	metrics   *metrics.Collector
	logger    *zap.Logger
	tracer    trace.Tracer

	state     *state
	proposals *proposalBook
	handlers  map[string]requestHandler

	// inflight holds ids of proposals being executed.
	inflight sync.Map

	syncMu        sync.Mutex
	resolvedSince time.Time

	workersMu sync.Mutex
	workers   map[string]*agent.Worker

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New 创建 Queen
func New(cfg Config, deps Deps) (*Queen, error) {
	switch {
	case deps.Bus == nil:
		return nil, errors.New("orchestrator: bus is required")
	case deps.Registry == nil:
		return nil, errors.New("orchestrator: registry is required")
	case deps.Engine == nil:
		return nil, errors.New("orchestrator: decision engine is required")
	case deps.Ledger == nil:
		return nil, errors.New("orchestrator: ledger is required")
	case deps.Approvals == nil:
		return nil, errors.New("orchestrator: approval queue is required")
	}
	cfg.normalize()
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Source == nil {
		deps.Source = NewStaticSource(decision.Metrics{})
	}

	q := &Queen{
		cfg:       cfg,
		now:       cfg.Now,
		bus:       deps.Bus,
		board:     deps.Board,
		registry:  deps.Registry,
		gateway:   deps.Gateway,
		engine:    deps.Engine,
		ledger:    deps.Ledger,
		approvals: deps.Approvals,
		source:    deps.Source,
		metrics:   deps.Metrics,
		logger:    deps.Logger.With(zap.String("component", "queen")),
		tracer:    otel.Tracer(instrumentationName),
		state:     &state{},
		proposals: newProposalBook(),
		workers:   make(map[string]*agent.Worker),
	}
	q.handlers = q.routes()
	q.approvals.OnResolve(q.applyResolution)
	return q, nil
}

// ID returns the Queen's bus id.
func (q *Queen) ID() string { return q.cfg.ID }

// Start opens the Queen's mailbox and launches the loops. The monitor runs
// once before Start returns so the first snapshot is never empty.
func (q *Queen) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return errors.New("orchestrator: queen already running")
	}
	if err := q.bus.Register(q.cfg.ID); err != nil {
		return fmt.Errorf("open queen mailbox: %w", err)
	}
	for _, c := range q.cfg.Watch {
		if err := q.bus.Subscribe(q.cfg.ID, c.Topic()); err != nil {
			q.bus.Unregister(q.cfg.ID)
			return fmt.Errorf("watch %s: %w", c, err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.done = make(chan struct{})
	q.running = true

	_ = q.iterate(runCtx, LoopMonitor, func(ctx context.Context) error {
		q.Monitor(ctx)
		return nil
	})

	var loops sync.WaitGroup
	loops.Add(4)
	go func() {
		defer loops.Done()
		q.every(runCtx, LoopMonitor, q.cfg.MonitorInterval, q.monitorIteration)
	}()
	go func() {
		defer loops.Done()
		q.every(runCtx, LoopDecision, q.cfg.DecisionInterval, q.decisionIteration)
	}()
	go func() {
		defer loops.Done()
		q.dailyLoop(runCtx)
	}()
	go func() {
		defer loops.Done()
		q.inboxLoop(runCtx)
	}()
	go func(done chan struct{}) {
		loops.Wait()
		close(done)
	}(q.done)

	q.logger.Info("queen started",
		zap.Duration("monitor_interval", q.cfg.MonitorInterval),
		zap.Duration("decision_interval", q.cfg.DecisionInterval),
		zap.Duration("daily_at", q.cfg.DailyAt),
	)
	return nil
}

// Stop cancels the loops, waits for them and stops the bees started with
// AddBee. It is safe to call more than once.
func (q *Queen) Stop() error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	q.running = false
	cancel, done := q.cancel, q.done
	q.mu.Unlock()

	cancel()
	<-done
	q.bus.Unregister(q.cfg.ID)

	q.workersMu.Lock()
	workers := q.workers
	q.workers = make(map[string]*agent.Worker)
	q.workersMu.Unlock()

	var errs []error
	for id, w := range workers {
		if err := w.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", id, err))
		}
	}
	q.logger.Info("queen stopped")
	return errors.Join(errs...)
}

// Running reports whether the loops are active.
func (q *Queen) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// AddBee starts a worker for bee. The worker lives until Stop or RemoveBee.
func (q *Queen) AddBee(bee agent.Bee, cfg agent.WorkerConfig) (*agent.Worker, error) {
	q.workersMu.Lock()
	defer q.workersMu.Unlock()
	if _, ok := q.workers[bee.Name()]; ok {
		return nil, types.Errorf(types.ErrInvalidRequest, "bee %s already running", bee.Name())
	}
	w := agent.NewWorker(bee, q.bus, q.registry, cfg, q.logger)
	if err := w.Start(context.Background()); err != nil {
		return nil, err
	}
	q.workers[bee.Name()] = w
	return w, nil
}

// RemoveBee stops the worker of a bee started with AddBee.
func (q *Queen) RemoveBee(name string) error {
	q.workersMu.Lock()
	w, ok := q.workers[name]
	delete(q.workers, name)
	q.workersMu.Unlock()
	if !ok {
		return types.Errorf(types.ErrNotFound, "bee %s is not managed by the queen", name)
	}
	return w.Stop()
}

func (q *Queen) monitorIteration(ctx context.Context) error {
	snap := q.Monitor(ctx)
	if snap.MetricsError != "" {
		return errors.New(snap.MetricsError)
	}
	return nil
}

func (q *Queen) decisionIteration(ctx context.Context) error {
	_, err := q.Decide(ctx)
	return err
}

func (q *Queen) dailyIteration(ctx context.Context) error {
	_, err := q.DistributeRewards(ctx)
	return err
}

// every runs fn on each tick until ctx ends.
func (q *Queen) every(ctx context.Context, loop string, interval time.Duration, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = q.iterate(ctx, loop, fn)
		}
	}
}

// dailyLoop sleeps until the next daily boundary, then distributes.
func (q *Queen) dailyLoop(ctx context.Context) {
	for {
		now := q.now()
		next := NextDaily(now, q.cfg.DailyAt)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			_ = q.iterate(ctx, LoopDaily, q.dailyIteration)
		}
	}
}

// NextDaily returns the first daily boundary strictly after now.
func NextDaily(now time.Time, offset time.Duration) time.Time {
	now = now.UTC()
	t := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(offset)
	for !t.After(now) {
		t = t.Add(24 * time.Hour)
	}
	return t
}

// iterate runs one loop iteration. A panic is recovered and reported as the
// iteration's error so the loop keeps going.
func (q *Queen) iterate(ctx context.Context, loop string, fn func(context.Context) error) (err error) {
	start := time.Now()
	ctx, span := q.tracer.Start(ctx, "queen."+loop, trace.WithAttributes(attribute.String("queen.loop", loop)))
	defer func() {
		if r := recover(); r != nil {
			err = types.Errorf(types.ErrInternalError, "%s loop panicked: %v", loop, r)
			q.logger.Error("loop iteration panicked",
				zap.String("loop", loop),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
		} else if err != nil {
			q.logger.Error("loop iteration failed", zap.String("loop", loop), zap.Error(err))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		q.metrics.RecordLoopIteration(loop, err, time.Since(start))
	}()
	return fn(ctx)
}

// inboxLoop drains the Queen's mailbox. Board posts from watched categories
// become alerts; anything else is logged and dropped.
func (q *Queen) inboxLoop(ctx context.Context) {
	for {
		msg, err := q.bus.Receive(ctx, q.cfg.ID)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, bus.ErrClosed) || types.IsCode(err, types.ErrUnknownRecipient) {
				return
			}
			q.logger.Warn("receive failed", zap.Error(err))
			continue
		}
		post, ok := msg.Payload.(*board.Post)
		if !ok {
			q.logger.Debug("ignoring message",
				zap.String("type", msg.Type),
				zap.String("sender", msg.Sender),
			)
			continue
		}
		q.state.addAlert(Alert{
			PostID:   post.ID,
			Category: post.Category,
			Title:    post.Title,
			Author:   post.Author,
			Priority: post.Priority,
			At:       post.CreatedAt,
		})
		if msg.Priority == bus.PriorityCritical {
			q.logger.Warn("critical board post",
				zap.String("post_id", post.ID),
				zap.String("category", string(post.Category)),
				zap.String("title", post.Title),
			)
		}
	}
}
