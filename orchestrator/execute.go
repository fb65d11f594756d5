package orchestrator

import (
	"context"
	"fmt"

	"github.com/BaSui01/queenbee/agent"
	"github.com/BaSui01/queenbee/agent/approval"
	"github.com/BaSui01/queenbee/agent/board"
	"github.com/BaSui01/queenbee/agent/bus"
	"github.com/BaSui01/queenbee/decision"
	"github.com/BaSui01/queenbee/ledger"
	"github.com/BaSui01/queenbee/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Outcome statuses.
const (
	OutcomeExecuted = "executed"
	OutcomePending  = "pending_approval"
)

// Why a proposal was routed to approval.
const (
	BlockedByRisk      = "risk"
	BlockedByRateLimit = "rate_limit"
)

// Outcome is the result of executing a proposal.
type Outcome struct {
	Status     string             `json:"status"`
	Proposal   *decision.Proposal `json:"proposal"`
	ApprovalID string             `json:"approval_id,omitempty"`
	BlockedBy  string             `json:"blocked_by,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	Result     *agent.Result      `json:"result,omitempty"`
	Usage      *ledger.Usage      `json:"usage,omitempty"`
}

// Execute carries out a proposal.
//
// A proposed proposal runs only when its risk is auto and the ledger accepts
// the reservation; otherwise it goes to the approval queue and the outcome
// is pending_approval. An approved proposal runs on the elevated ledger path.
// Campaign allocations also claim their amount against the campaign budget
// right before dispatch, so approvals cannot overrun it. The executor bee
// receives the proposal over the bus; on failure the reservation and the
// claim are given back and the proposal keeps its status.
func (q *Queen) Execute(ctx context.Context, p *decision.Proposal) (*Outcome, error) {
	if p == nil {
		return nil, types.NewError(types.ErrInvalidRequest, "nil proposal")
	}
	q.proposals.put(p)
	if _, busy := q.inflight.LoadOrStore(p.ID, struct{}{}); busy {
		return nil, types.Errorf(types.ErrInvalidTransition, "proposal %s is already executing", p.ID)
	}
	defer q.inflight.Delete(p.ID)

	ctx, span := q.tracer.Start(ctx, "queen.execute", trace.WithAttributes(
		attribute.String("proposal.id", p.ID),
		attribute.String("proposal.kind", string(p.Kind)),
		attribute.Float64("proposal.amount", p.Amount),
	))
	defer span.End()

	cur, err := q.proposals.get(p.ID)
	if err != nil {
		return nil, err
	}

	switch cur.Status {
	case decision.StatusProposed:
		if !cur.AutoExecutable() {
			return q.requestApproval(ctx, cur, BlockedByRisk,
				fmt.Sprintf("%.0f exceeds the auto-execute ceiling", cur.Amount))
		}
		usage, err := q.ledger.Reserve(ctx, cur.Resource, cur.Amount)
		if types.IsCode(err, types.ErrRateLimitExceeded) {
			return q.requestApproval(ctx, cur, BlockedByRateLimit, err.Error())
		}
		if err != nil {
			return nil, err
		}
		approved, err := q.proposals.update(cur.ID, func(p *decision.Proposal) error {
			if err := p.Transition(decision.StatusApproved, q.now().UTC()); err != nil {
				return err
			}
			p.Note = "auto-approved"
			return nil
		})
		if err != nil {
			q.release(ctx, cur)
			return nil, err
		}
		q.metrics.RecordProposal(string(cur.Kind), string(decision.StatusApproved))
		return q.run(ctx, approved, usage)

	case decision.StatusApproved:
		usage, err := q.ledger.Override(ctx, cur.Resource, cur.Amount)
		if err != nil {
			return nil, err
		}
		return q.run(ctx, cur, usage)

	default:
		return nil, types.Errorf(types.ErrInvalidTransition, "proposal %s is already %s", cur.ID, cur.Status).
			WithDetails("status", string(cur.Status))
	}
}

// run dispatches an approved proposal whose amount is already on the ledger.
func (q *Queen) run(ctx context.Context, p *decision.Proposal, usage ledger.Usage) (*Outcome, error) {
	task := agent.Task{
		ID:   p.ID,
		Kind: string(p.Kind),
		Input: map[string]any{
			"proposal_id": p.ID,
			"action":      p.Action,
			"resource":    p.Resource,
			"amount":      p.Amount,
			"parameters":  p.Parameters,
		},
		Priority: bus.PriorityHigh,
	}
	if p.Risk == decision.RiskRequiresApproval {
		task.Priority = bus.PriorityCritical
	}

	campaign, _ := p.Parameters["campaign"].(string)
	if campaign != "" {
		if _, err := q.ledger.Spend(ctx, ledger.CampaignSpent(campaign), p.Amount, q.engine.CampaignBudget(campaign)); err != nil {
			q.release(ctx, p)
			q.annotate(p.ID, "not executed: "+err.Error())
			return nil, err
		}
	}

	res, err := q.dispatch(ctx, q.cfg.Executor, task, q.cfg.DispatchTimeout)
	if err != nil {
		q.release(ctx, p)
		if campaign != "" {
			q.refund(ctx, campaign, p.Amount)
		}
		q.annotate(p.ID, "execution failed: "+err.Error())
		q.metrics.RecordProposal(string(p.Kind), "failed")
		q.logger.Error("proposal execution failed",
			zap.String("id", p.ID),
			zap.String("executor", q.cfg.Executor),
			zap.Error(err),
		)
		return nil, types.Wrap(err, types.ErrInternalError, "execute proposal "+p.ID)
	}

	executed, err := q.proposals.update(p.ID, func(p *decision.Proposal) error {
		return p.Transition(decision.StatusExecuted, q.now().UTC())
	})
	if err != nil {
		return nil, err
	}
	q.metrics.RecordProposal(string(executed.Kind), string(decision.StatusExecuted))
	q.logger.Info("proposal executed",
		zap.String("id", executed.ID),
		zap.String("kind", string(executed.Kind)),
		zap.String("action", executed.Action),
		zap.Float64("amount", executed.Amount),
		zap.Float64("ledger_used", usage.Used),
	)

	q.publishOutcome(ctx, executed, res)
	q.countExecution(ctx, executed)
	return &Outcome{Status: OutcomeExecuted, Proposal: executed, Result: &res, Usage: &usage}, nil
}

func (q *Queen) annotate(id, note string) {
	if _, err := q.proposals.update(id, func(p *decision.Proposal) error {
		p.Note = note
		return nil
	}); err != nil {
		q.logger.Warn("failed to annotate proposal", zap.String("id", id), zap.Error(err))
	}
}

// requestApproval routes a proposal to the approval queue.
func (q *Queen) requestApproval(ctx context.Context, p *decision.Proposal, blockedBy, reason string) (*Outcome, error) {
	req, err := q.approvals.Submit(ctx, approval.Request{
		ID:        p.ID,
		Kind:      string(p.Kind),
		Resource:  p.Resource,
		Amount:    p.Amount,
		Summary:   p.Reason,
		Requester: q.cfg.ID,
		Data: map[string]any{
			"proposal":   proposalData(p),
			"blocked_by": blockedBy,
			"reason":     reason,
		},
	})
	if err != nil {
		return nil, err
	}
	q.metrics.RecordProposal(string(p.Kind), OutcomePending)
	q.logger.Warn("proposal requires approval",
		zap.String("id", p.ID),
		zap.String("kind", string(p.Kind)),
		zap.Float64("amount", p.Amount),
		zap.String("blocked_by", blockedBy),
		zap.String("reason", reason),
	)
	return &Outcome{Status: OutcomePending, Proposal: p, ApprovalID: req.ID, BlockedBy: blockedBy, Reason: reason}, nil
}

func (q *Queen) release(ctx context.Context, p *decision.Proposal) {
	if _, err := q.ledger.Release(context.WithoutCancel(ctx), p.Resource, p.Amount); err != nil {
		q.logger.Error("failed to release reservation",
			zap.String("id", p.ID),
			zap.String("resource", p.Resource),
			zap.Error(err),
		)
	}
}

// refund gives back a campaign claim whose execution failed.
func (q *Queen) refund(ctx context.Context, campaign string, amount float64) {
	if _, err := q.ledger.Incr(context.WithoutCancel(ctx), ledger.CampaignSpent(campaign), -amount); err != nil {
		q.logger.Error("failed to refund campaign budget",
			zap.String("campaign", campaign),
			zap.Float64("amount", amount),
			zap.Error(err),
		)
	}
}

// publishOutcome posts the executed proposal on the board.
func (q *Queen) publishOutcome(ctx context.Context, p *decision.Proposal, res agent.Result) {
	if q.board == nil {
		return
	}
	priority := 5
	if p.Risk == decision.RiskRequiresApproval {
		priority = 7
	}
	_, err := q.board.Post(context.WithoutCancel(ctx), board.PostInput{
		Author:   q.cfg.ID,
		Category: board.CategoryDecisionOutcomes,
		Title:    fmt.Sprintf("%s: %s %.2f %s", p.Kind, p.Action, p.Amount, p.Resource),
		Content: map[string]any{
			"proposal_id": p.ID,
			"kind":        string(p.Kind),
			"action":      p.Action,
			"resource":    p.Resource,
			"amount":      p.Amount,
			"risk":        string(p.Risk),
			"reason":      p.Reason,
			"executor":    res.Bee,
			"result":      res.Output,
		},
		Tags:     []string{string(p.Kind), p.Resource, p.Action},
		Priority: priority,
	})
	if err != nil {
		q.logger.Warn("failed to post decision outcome", zap.String("id", p.ID), zap.Error(err))
	}
}

// countExecution bumps the persisted counters for an executed proposal.
func (q *Queen) countExecution(ctx context.Context, p *decision.Proposal) {
	ctx = context.WithoutCancel(ctx)
	incr := func(name string, delta float64) {
		if _, err := q.ledger.Incr(ctx, name, delta); err != nil {
			q.logger.Warn("failed to bump counter", zap.String("counter", name), zap.Error(err))
		}
	}
	incr(ledger.CounterExecuted, 1)
	incr(ledger.OperationTotal(p.Resource), p.Amount)
}
