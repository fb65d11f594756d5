// Package bus implements the priority-aware message bus used between the
// orchestrator and worker agents.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/queenbee/internal/metrics"
	"github.com/BaSui01/queenbee/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var errMailboxClosed = errors.New("mailbox closed")

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("message bus is closed")

// Config configures the bus.
type Config struct {
	HistorySize      int           `json:"history_size" yaml:"history_size"`
	BacklogThreshold int           `json:"backlog_threshold" yaml:"backlog_threshold"`
	RequestTimeout   time.Duration `json:"request_timeout" yaml:"request_timeout"`
}

// DefaultConfig returns the bus defaults.
func DefaultConfig() Config {
	return Config{
		HistorySize:      1000,
		BacklogThreshold: 100,
		RequestTimeout:   30 * time.Second,
	}
}

// Option customises a Bus.
type Option func(*Bus)

// WithMetrics attaches a metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(b *Bus) { b.metrics = c }
}

// WithHistorySink mirrors delivered messages to external storage.
func WithHistorySink(s HistorySink) Option {
	return func(b *Bus) { b.sink = s }
}

// Bus routes messages between registered agents.
type Bus struct {
	cfg    Config
	logger *zap.Logger

	mu        sync.RWMutex
	mailboxes map[string]*mailbox
	listeners map[string]map[string]*mailbox // topic -> listener id -> mailbox
	closed    bool

	pendingMu sync.Mutex
	pending   map[string]chan *Message // correlation id -> waiter

	history *history
	sink    HistorySink
	metrics *metrics.Collector
	wg      sync.WaitGroup

	sent      atomic.Int64
	delivered atomic.Int64
	rejected  atomic.Int64
	requests  atomic.Int64
	timeouts  atomic.Int64
}

// New creates a message bus.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.BacklogThreshold <= 0 {
		cfg.BacklogThreshold = def.BacklogThreshold
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	b := &Bus{
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "message_bus")),
		mailboxes: make(map[string]*mailbox),
		listeners: make(map[string]map[string]*mailbox),
		pending:   make(map[string]chan *Message),
		history:   newHistory(cfg.HistorySize),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register creates a mailbox for id. Registering twice is a no-op.
func (b *Bus) Register(id string) error {
	if id == "" || id == Broadcast {
		return types.NewError(types.ErrInvalidRequest, "invalid agent id")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if _, ok := b.mailboxes[id]; !ok {
		b.mailboxes[id] = newMailbox()
		b.logger.Debug("mailbox registered", zap.String("agent_id", id))
	}
	return nil
}

// Unregister removes the mailbox for id and drops its queued messages.
func (b *Bus) Unregister(id string) {
	b.mu.Lock()
	mb, ok := b.mailboxes[id]
	delete(b.mailboxes, id)
	b.mu.Unlock()
	if !ok {
		return
	}
	if dropped := mb.close(); dropped > 0 {
		b.logger.Warn("dropped queued messages on unregister",
			zap.String("agent_id", id),
			zap.Int("dropped", dropped),
		)
	}
	b.metrics.SetBusBacklog(id, 0)
}

// IsRegistered reports whether id has a mailbox.
func (b *Bus) IsRegistered(id string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.mailboxes[id]
	return ok
}

// Subscribe adds a topic to an agent's mailbox so topic broadcasts reach it.
func (b *Bus) Subscribe(id, topic string) error {
	b.mu.RLock()
	mb, ok := b.mailboxes[id]
	b.mu.RUnlock()
	if !ok {
		return unknownRecipient(id)
	}
	mb.subscribe(topic)
	return nil
}

// Unsubscribe removes a topic from an agent's mailbox.
func (b *Bus) Unsubscribe(id, topic string) {
	b.mu.RLock()
	mb, ok := b.mailboxes[id]
	b.mu.RUnlock()
	if ok {
		mb.unsubscribe(topic)
	}
}

// Send enqueues msg for a single registered recipient. A reply to a pending
// Request is handed to the waiting caller instead of a mailbox.
func (b *Bus) Send(ctx context.Context, msg *Message) error {
	if msg == nil {
		return types.NewError(types.ErrInvalidRequest, "nil message")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b.stamp(msg)

	if msg.IsReply() && b.resolve(msg) {
		return nil
	}
	if msg.Recipient == Broadcast || msg.Recipient == "" {
		_, err := b.Broadcast(ctx, msg)
		return err
	}

	b.mu.RLock()
	closed := b.closed
	mb, ok := b.mailboxes[msg.Recipient]
	b.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if !ok || !mb.push(msg) {
		b.rejected.Add(1)
		b.metrics.RecordBusMessage("rejected", msg.Priority.String())
		return unknownRecipient(msg.Recipient)
	}

	b.sent.Add(1)
	b.metrics.RecordBusMessage("sent", msg.Priority.String())
	return nil
}

// Broadcast enqueues a copy of msg for every registered agent except the
// sender. When msg.Topic is set only agents subscribed to the topic and topic
// listeners receive it. It returns the number of targets reached.
func (b *Bus) Broadcast(ctx context.Context, msg *Message) (int, error) {
	if msg == nil {
		return 0, types.NewError(types.ErrInvalidRequest, "nil message")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.stamp(msg)
	msg.Recipient = Broadcast

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return 0, ErrClosed
	}
	targets := make(map[string]*mailbox, len(b.mailboxes))
	for id, mb := range b.mailboxes {
		if id == msg.Sender {
			continue
		}
		if msg.Topic != "" && !mb.subscribed(msg.Topic) {
			continue
		}
		targets[id] = mb
	}
	if msg.Topic != "" {
		for id, mb := range b.listeners[msg.Topic] {
			targets[id] = mb
		}
	}
	b.mu.RUnlock()

	reached := 0
	for id, mb := range targets {
		c := msg.clone()
		c.Recipient = id
		if mb.push(c) {
			reached++
		}
	}

	b.sent.Add(int64(reached))
	b.metrics.RecordBusMessage("broadcast", msg.Priority.String())
	return reached, nil
}

// Request sends msg and waits for the correlated reply. A zero timeout uses
// the configured default. It fails with UNKNOWN_RECIPIENT immediately when
// the recipient is not registered and with TIMEOUT when the bound elapses.
func (b *Bus) Request(ctx context.Context, msg *Message, timeout time.Duration) (*Message, error) {
	if msg == nil {
		return nil, types.NewError(types.ErrInvalidRequest, "nil message")
	}
	if msg.Recipient == "" || msg.Recipient == Broadcast {
		return nil, types.NewError(types.ErrInvalidRequest, "request needs a single recipient")
	}
	if timeout <= 0 {
		timeout = b.cfg.RequestTimeout
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = uuid.New().String()
	}
	msg.ReplyTo = ""

	waiter := make(chan *Message, 1)
	b.pendingMu.Lock()
	b.pending[msg.CorrelationID] = waiter
	b.pendingMu.Unlock()
	defer func() {
		b.pendingMu.Lock()
		delete(b.pending, msg.CorrelationID)
		b.pendingMu.Unlock()
	}()

	start := time.Now()
	b.requests.Add(1)
	if err := b.Send(ctx, msg); err != nil {
		b.metrics.RecordBusRequest("error", time.Since(start))
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-waiter:
		b.metrics.RecordBusRequest("ok", time.Since(start))
		return reply, nil
	case <-timer.C:
		b.timeouts.Add(1)
		b.metrics.RecordBusRequest("timeout", time.Since(start))
		return nil, types.Errorf(types.ErrTimeout, "no reply from %s within %s", msg.Recipient, timeout).
			WithRetryable(true)
	case <-ctx.Done():
		b.metrics.RecordBusRequest("canceled", time.Since(start))
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			b.timeouts.Add(1)
			return nil, types.Errorf(types.ErrTimeout, "request to %s canceled by deadline", msg.Recipient).
				WithCause(ctx.Err())
		}
		return nil, ctx.Err()
	}
}

// Reply answers req on behalf of from.
func (b *Bus) Reply(ctx context.Context, req *Message, from string, payload any) error {
	if req == nil || req.CorrelationID == "" {
		return types.NewError(types.ErrInvalidRequest, "message is not a request")
	}
	return b.Send(ctx, &Message{
		Sender:        from,
		Recipient:     req.Sender,
		Priority:      req.Priority,
		Type:          req.Type + ".reply",
		Payload:       payload,
		CorrelationID: req.CorrelationID,
		ReplyTo:       req.ID,
	})
}

// Receive blocks until the next message for id is available, honouring
// priority order. The delivered message is appended to the history.
func (b *Bus) Receive(ctx context.Context, id string) (*Message, error) {
	b.mu.RLock()
	mb, ok := b.mailboxes[id]
	b.mu.RUnlock()
	if !ok {
		return nil, unknownRecipient(id)
	}

	msg, err := mb.wait(ctx)
	if err != nil {
		if errors.Is(err, errMailboxClosed) {
			return nil, unknownRecipient(id)
		}
		return nil, err
	}
	b.deliver(ctx, msg)
	return msg, nil
}

// TryReceive returns the next queued message for id without blocking.
func (b *Bus) TryReceive(ctx context.Context, id string) (*Message, bool, error) {
	b.mu.RLock()
	mb, ok := b.mailboxes[id]
	b.mu.RUnlock()
	if !ok {
		return nil, false, unknownRecipient(id)
	}
	msg, ok := mb.pop()
	if !ok {
		return nil, false, nil
	}
	b.deliver(ctx, msg)
	return msg, true, nil
}

// Listen registers fn as a consumer of topic broadcasts. Messages are handed
// to fn one at a time, in priority order, on a goroutine owned by the bus.
// The returned func cancels the listener.
func (b *Bus) Listen(topic string, fn func(*Message)) (func(), error) {
	if topic == "" || fn == nil {
		return nil, types.NewError(types.ErrInvalidRequest, "listener needs a topic and a callback")
	}
	id := "listener:" + uuid.New().String()
	mb := newMailbox()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if b.listeners[topic] == nil {
		b.listeners[topic] = make(map[string]*mailbox)
	}
	b.listeners[topic][id] = mb
	b.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			msg, err := mb.wait(ctx)
			if err != nil {
				return
			}
			b.deliver(ctx, msg)
			b.invoke(topic, fn, msg)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners[topic], id)
			if len(b.listeners[topic]) == 0 {
				delete(b.listeners, topic)
			}
			b.mu.Unlock()
			mb.close()
			cancel()
		})
	}, nil
}

// ListenerCount returns the number of active listeners across all topics.
func (b *Bus) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, ls := range b.listeners {
		n += len(ls)
	}
	return n
}

// History returns delivered messages matching f, oldest first.
func (b *Bus) History(f HistoryFilter) []*Message {
	return b.history.query(f)
}

// Stats is a point-in-time view of bus counters.
type Stats struct {
	Registered int            `json:"registered"`
	Listeners  int            `json:"listeners"`
	Sent       int64          `json:"sent"`
	Delivered  int64          `json:"delivered"`
	Rejected   int64          `json:"rejected"`
	Requests   int64          `json:"requests"`
	Timeouts   int64          `json:"timeouts"`
	History    int            `json:"history"`
	Queued     map[string]int `json:"queued"`
	ByPriority map[string]int `json:"queued_by_priority"`
}

// Stats reports bus counters and per-mailbox backlog.
func (b *Bus) Stats() Stats {
	st := Stats{
		Sent:       b.sent.Load(),
		Delivered:  b.delivered.Load(),
		Rejected:   b.rejected.Load(),
		Requests:   b.requests.Load(),
		Timeouts:   b.timeouts.Load(),
		History:    b.history.len(),
		Queued:     make(map[string]int),
		ByPriority: make(map[string]int),
	}
	b.mu.RLock()
	st.Registered = len(b.mailboxes)
	for _, ls := range b.listeners {
		st.Listeners += len(ls)
	}
	for id, mb := range b.mailboxes {
		lanes := mb.laneLens()
		total := 0
		for p, n := range lanes {
			st.ByPriority[Priority(p).String()] += n
			total += n
		}
		st.Queued[id] = total
	}
	b.mu.RUnlock()
	return st
}

// HealthStatus summarises bus health.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthCritical HealthStatus = "critical"
)

// Health is the bus health report.
type Health struct {
	Status HealthStatus `json:"status"`
	Issues []string     `json:"issues,omitempty"`
	Stats  Stats        `json:"stats"`
}

// Health flags every mailbox whose backlog exceeds the configured threshold.
func (b *Bus) Health() Health {
	st := b.Stats()
	ids := make([]string, 0, len(st.Queued))
	for id := range st.Queued {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var issues []string
	for _, id := range ids {
		n := st.Queued[id]
		b.metrics.SetBusBacklog(id, n)
		if n > b.cfg.BacklogThreshold {
			issues = append(issues, fmt.Sprintf("mailbox %s backlog %d exceeds %d", id, n, b.cfg.BacklogThreshold))
		}
	}

	status := HealthHealthy
	switch {
	case len(issues) >= 3:
		status = HealthCritical
	case len(issues) > 0:
		status = HealthDegraded
	}
	return Health{Status: status, Issues: issues, Stats: st}
}

// Close shuts the bus down, wakes blocked receivers and stops listeners.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	boxes := make([]*mailbox, 0, len(b.mailboxes))
	for _, mb := range b.mailboxes {
		boxes = append(boxes, mb)
	}
	for _, ls := range b.listeners {
		for _, mb := range ls {
			boxes = append(boxes, mb)
		}
	}
	b.mu.Unlock()

	for _, mb := range boxes {
		mb.close()
	}
	b.wg.Wait()
	b.logger.Info("message bus closed")
	return nil
}

func (b *Bus) stamp(msg *Message) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if !msg.Priority.Valid() {
		msg.Priority = PriorityNormal
	}
}

// resolve hands a reply to its waiting requester. It returns false when no
// request is pending for the correlation id.
func (b *Bus) resolve(msg *Message) bool {
	b.pendingMu.Lock()
	waiter, ok := b.pending[msg.CorrelationID]
	if ok {
		delete(b.pending, msg.CorrelationID)
	}
	b.pendingMu.Unlock()
	if !ok {
		return false
	}
	b.deliver(context.Background(), msg)
	b.metrics.RecordBusMessage("reply", msg.Priority.String())
	waiter <- msg
	return true
}

func (b *Bus) deliver(ctx context.Context, msg *Message) {
	msg.DeliveredAt = time.Now().UTC()
	b.delivered.Add(1)
	b.history.add(msg)
	b.metrics.RecordBusMessage("delivered", msg.Priority.String())
	if b.sink == nil {
		return
	}
	if err := b.sink.Append(ctx, msg); err != nil {
		b.logger.Warn("failed to mirror message history",
			zap.String("msg_id", msg.ID),
			zap.Error(err),
		)
	}
}

func (b *Bus) invoke(topic string, fn func(*Message), msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("listener panicked",
				zap.String("topic", topic),
				zap.Any("panic", r),
			)
		}
	}()
	fn(msg)
}

func unknownRecipient(id string) error {
	return types.Errorf(types.ErrUnknownRecipient, "recipient %q is not registered", id)
}
