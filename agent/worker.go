package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/queenbee/agent/bus"
	"github.com/BaSui01/queenbee/agent/registry"
	"github.com/BaSui01/queenbee/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// TaskMessageType is the bus message type carrying a Task.
const TaskMessageType = "task"

// Reply is the payload of a task reply. Error is set when the task failed.
type Reply struct {
	Result Result       `json:"result"`
	Error  *types.Error `json:"error,omitempty"`
}

// Dispatch sends task to the bee registered as to and waits for its reply.
func Dispatch(ctx context.Context, b *bus.Bus, from, to string, task Task, timeout time.Duration) (Result, error) {
	reply, err := b.Request(ctx, &bus.Message{
		Sender:    from,
		Recipient: to,
		Priority:  task.Priority,
		Type:      TaskMessageType,
		Payload:   task,
	}, timeout)
	if err != nil {
		return Result{}, err
	}
	r, ok := reply.Payload.(Reply)
	if !ok {
		return Result{}, types.Errorf(types.ErrInternalError, "unexpected reply payload %T from %s", reply.Payload, to)
	}
	if r.Error != nil {
		return r.Result, r.Error
	}
	return r.Result, nil
}

// WorkerConfig 配置 Worker
type WorkerConfig struct {
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	TaskTimeout       time.Duration `json:"task_timeout" yaml:"task_timeout"`
	Concurrency       int           `json:"concurrency" yaml:"concurrency"`
}

// DefaultWorkerConfig 返回默认配置
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		HeartbeatInterval: 3 * time.Second,
		TaskTimeout:       30 * time.Second,
		Concurrency:       4,
	}
}

// Worker connects a Bee to the bus and the registry. It registers the bee,
// sends heartbeats, executes incoming tasks on a bounded pool and replies.
type Worker struct {
	bee      Bee
	bus      *bus.Bus
	registry *registry.Registry
	cfg      WorkerConfig
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewWorker 创建 Worker
func NewWorker(bee Bee, b *bus.Bus, reg *registry.Registry, cfg WorkerConfig, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultWorkerConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = def.TaskTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	return &Worker{
		bee:      bee,
		bus:      b,
		registry: reg,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "worker"), zap.String("bee", bee.Name())),
	}
}

// ID returns the bus and registry id of the worker's bee.
func (w *Worker) ID() string { return w.bee.Name() }

// Start registers the bee and launches the receive and heartbeat loops.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("worker %s already running", w.ID())
	}

	if _, err := w.registry.Register(Descriptor(w.bee)); err != nil {
		return fmt.Errorf("register %s: %w", w.ID(), err)
	}
	if err := w.bus.Register(w.ID()); err != nil {
		_ = w.registry.Deregister(w.ID())
		return fmt.Errorf("open mailbox %s: %w", w.ID(), err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true

	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		w.receiveLoop(runCtx)
	}()
	go func() {
		defer loops.Done()
		w.heartbeatLoop(runCtx)
	}()
	go func(done chan struct{}) {
		loops.Wait()
		close(done)
	}(w.done)

	w.logger.Info("worker started", zap.Int("concurrency", w.cfg.Concurrency))
	return nil
}

// Stop cancels the loops, waits for in-flight tasks and deregisters the bee.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	cancel()
	<-done

	w.bus.Unregister(w.ID())
	if err := w.registry.Deregister(w.ID()); err != nil && !types.IsCode(err, types.ErrNotFound) {
		return err
	}
	w.logger.Info("worker stopped")
	return nil
}

// Running reports whether the loops are active.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Worker) receiveLoop(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(w.cfg.Concurrency)
	defer func() { _ = g.Wait() }()

	for {
		msg, err := w.bus.Receive(ctx, w.ID())
		if err != nil {
			if ctx.Err() != nil || types.IsCode(err, types.ErrUnknownRecipient) || errors.Is(err, bus.ErrClosed) {
				return
			}
			w.logger.Warn("receive failed", zap.Error(err))
			continue
		}
		g.Go(func() error {
			w.handle(ctx, msg)
			return nil
		})
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.registry.Heartbeat(w.ID(), registry.StatusActive); err != nil {
				w.logger.Debug("heartbeat rejected", zap.Error(err))
			}
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg *bus.Message) {
	if msg.Type != TaskMessageType {
		w.logger.Debug("ignoring message", zap.String("type", msg.Type), zap.String("sender", msg.Sender))
		return
	}

	task, err := decodeTask(msg.Payload)
	if err != nil {
		w.reply(ctx, msg, Reply{Error: types.Wrap(err, types.ErrInvalidRequest, "decode task")})
		return
	}
	if !w.bee.Supports(task.Kind) {
		w.reply(ctx, msg, Reply{Error: types.Errorf(types.ErrInvalidRequest, "bee %s does not support %q", w.ID(), task.Kind)})
		return
	}
	if a, err := w.registry.Get(w.ID()); err == nil && a.Status == registry.StatusError {
		w.reply(ctx, msg, Reply{Error: types.Errorf(types.ErrAgentUnavailable, "bee %s is in the error state until reset", w.ID()).
			WithDetails("last_error", a.LastError)})
		return
	}

	start := time.Now()
	res, err := w.execute(ctx, task)
	elapsed := time.Since(start)
	if res.Duration == 0 {
		res.Duration = elapsed
	}
	res.TaskID, res.Bee = task.ID, w.ID()

	detail := ""
	if err != nil {
		detail = err.Error()
		w.logger.Warn("task failed",
			zap.String("task_id", task.ID),
			zap.String("kind", task.Kind),
			zap.Error(err),
		)
	}
	if rerr := w.registry.RecordTask(w.ID(), err == nil, detail, elapsed); rerr != nil {
		w.logger.Debug("record task", zap.Error(rerr))
	}

	out := Reply{Result: res}
	if err != nil {
		out.Error = types.Wrap(err, types.ErrInternalError, "task failed")
	}
	w.reply(ctx, msg, out)
}

// execute runs the bee under the task timeout and turns panics into errors.
func (w *Worker) execute(ctx context.Context, task Task) (res Result, err error) {
	ctx, cancel := context.WithTimeout(types.WithBeeID(ctx, w.ID()), w.cfg.TaskTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("bee panicked", zap.String("task_id", task.ID), zap.Any("panic", r), zap.Stack("stack"))
			err = types.Errorf(types.ErrInternalError, "bee panicked: %v", r)
		}
	}()

	res, err = w.bee.Execute(ctx, task)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		err = types.Errorf(types.ErrTimeout, "task %s exceeded %s", task.ID, w.cfg.TaskTimeout).WithCause(err)
	}
	return res, err
}

func (w *Worker) reply(ctx context.Context, req *bus.Message, r Reply) {
	if req.CorrelationID == "" {
		return
	}
	// 回复不受任务取消影响，否则 Stop 期间的结果会丢失。
	if err := w.bus.Reply(context.WithoutCancel(ctx), req, w.ID(), r); err != nil {
		w.logger.Debug("reply dropped", zap.String("to", req.Sender), zap.Error(err))
	}
}

func decodeTask(payload any) (Task, error) {
	switch v := payload.(type) {
	case Task:
		return v, nil
	case *Task:
		if v == nil {
			return Task{}, errors.New("nil task")
		}
		return *v, nil
	case map[string]any, json.RawMessage, []byte:
		var raw []byte
		switch p := v.(type) {
		case json.RawMessage:
			raw = p
		case []byte:
			raw = p
		default:
			b, err := json.Marshal(p)
			if err != nil {
				return Task{}, err
			}
			raw = b
		}
		var t Task
		if err := json.Unmarshal(raw, &t); err != nil {
			return Task{}, err
		}
		return t, nil
	default:
		return Task{}, fmt.Errorf("unsupported task payload %T", payload)
	}
}
