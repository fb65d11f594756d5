// Package approval 提供需要人工确认的操作的审批队列。
//
// 超出自动执行阈值或触发限额的提案被提交到队列，管理员通过
// Approve/Reject 做出决定。状态只能从 pending 单向流转到
// approved 或 rejected，已决条目不会被重新打开。
package approval

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/queenbee/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Status is the state of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Request is an item awaiting a human decision.
type Request struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	Resource   string         `json:"resource,omitempty"`
	Amount     float64        `json:"amount"`
	Summary    string         `json:"summary"`
	Data       map[string]any `json:"data,omitempty"`
	Requester  string         `json:"requester,omitempty"`
	Status     Status         `json:"status"`
	Approver   string         `json:"approver,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Status Status
	Kind   string
	// ResolvedSince keeps requests resolved strictly after the instant.
	ResolvedSince time.Time
	Limit         int
}

func (f Filter) match(r *Request) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Kind != "" && r.Kind != f.Kind {
		return false
	}
	if !f.ResolvedSince.IsZero() && (r.ResolvedAt == nil || !r.ResolvedAt.After(f.ResolvedSince)) {
		return false
	}
	return true
}

// Store persists approval requests. Resolve must apply the transition only
// when the stored request is still pending.
type Store interface {
	Create(ctx context.Context, r *Request) error
	Get(ctx context.Context, id string) (*Request, error)
	List(ctx context.Context, f Filter) ([]*Request, error)
	Resolve(ctx context.Context, id string, status Status, approver, reason string, at time.Time) (*Request, error)
}

// ResolveHandler is notified after a request is approved or rejected.
type ResolveHandler func(ctx context.Context, r *Request)

// Queue is the approval collaborator used by the orchestrator and the API.
type Queue struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time

	mu       sync.RWMutex
	handlers []ResolveHandler
}

// NewQueue 创建审批队列
func NewQueue(store Store, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		store:  store,
		logger: logger.With(zap.String("component", "approval_queue")),
		now:    time.Now,
	}
}

// OnResolve registers a handler called after each decision.
func (q *Queue) OnResolve(h ResolveHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers = append(q.handlers, h)
}

// Submit stores a new pending request. The id is generated when empty.
func (q *Queue) Submit(ctx context.Context, r Request) (*Request, error) {
	if strings.TrimSpace(r.Kind) == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "approval kind is required")
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	r.Status = StatusPending
	r.Approver, r.Reason, r.ResolvedAt = "", "", nil
	r.CreatedAt = q.now().UTC()

	if err := q.store.Create(ctx, &r); err != nil {
		return nil, err
	}
	q.logger.Info("approval requested",
		zap.String("id", r.ID),
		zap.String("kind", r.Kind),
		zap.Float64("amount", r.Amount),
	)
	return &r, nil
}

// Approve resolves a pending request as approved.
func (q *Queue) Approve(ctx context.Context, id, approver string) (*Request, error) {
	return q.resolve(ctx, id, StatusApproved, approver, "")
}

// Reject resolves a pending request as rejected.
func (q *Queue) Reject(ctx context.Context, id, approver, reason string) (*Request, error) {
	return q.resolve(ctx, id, StatusRejected, approver, reason)
}

func (q *Queue) resolve(ctx context.Context, id string, status Status, approver, reason string) (*Request, error) {
	if strings.TrimSpace(approver) == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "approver is required")
	}
	r, err := q.store.Resolve(ctx, id, status, approver, reason, q.now().UTC())
	if err != nil {
		return nil, err
	}

	q.logger.Info("approval resolved",
		zap.String("id", id),
		zap.String("status", string(status)),
		zap.String("approver", approver),
	)

	q.mu.RLock()
	handlers := append([]ResolveHandler(nil), q.handlers...)
	q.mu.RUnlock()
	for _, h := range handlers {
		h(ctx, r)
	}
	return r, nil
}

// Get returns a request by id.
func (q *Queue) Get(ctx context.Context, id string) (*Request, error) {
	return q.store.Get(ctx, id)
}

// List returns requests matching f, oldest first.
func (q *Queue) List(ctx context.Context, f Filter) ([]*Request, error) {
	return q.store.List(ctx, f)
}

// Pending returns the requests still awaiting a decision.
func (q *Queue) Pending(ctx context.Context) ([]*Request, error) {
	return q.store.List(ctx, Filter{Status: StatusPending})
}

// Resolved returns requests decided after since, oldest decision first.
func (q *Queue) Resolved(ctx context.Context, since time.Time) ([]*Request, error) {
	all, err := q.store.List(ctx, Filter{ResolvedSince: since})
	if err != nil {
		return nil, err
	}
	out := slices.DeleteFunc(all, func(r *Request) bool { return r.ResolvedAt == nil })
	sortByResolution(out)
	return out, nil
}

func notFound(id string) error {
	return types.Errorf(types.ErrNotFound, "approval %s not found", id)
}

func alreadyResolved(r *Request) error {
	return types.Errorf(types.ErrInvalidTransition, "approval %s already %s", r.ID, r.Status).
		WithDetails("status", string(r.Status))
}
