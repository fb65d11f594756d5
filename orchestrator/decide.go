package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/BaSui01/queenbee/agent/approval"
	"github.com/BaSui01/queenbee/decision"
	"github.com/BaSui01/queenbee/ledger"
	"github.com/BaSui01/queenbee/types"
	"go.uber.org/zap"
)

// CycleReport summarizes one decision cycle.
type CycleReport struct {
	Proposals  []*decision.Proposal `json:"proposals"`
	Executed   int                  `json:"executed"`
	Pending    int                  `json:"pending_approval"`
	Failed     int                  `json:"failed"`
	Duplicates int                  `json:"duplicates"`
	Invalid    int                  `json:"invalid"`
}

// Decide runs one decision cycle: pull approvals decided elsewhere, evaluate
// fresh metrics, execute what the engine proposes and retry approved
// proposals that have not run yet. Invalid pool metrics are logged and
// skipped; execution failures are joined into the returned error.
func (q *Queen) Decide(ctx context.Context) (*CycleReport, error) {
	if err := q.syncApprovals(ctx); err != nil {
		q.logger.Warn("approval sync failed", zap.Error(err))
	}

	m, err := q.collect(ctx)
	if err != nil {
		return nil, err
	}

	report := &CycleReport{}
	proposals, evalErr := q.engine.Evaluate(m)
	if evalErr != nil {
		report.Invalid = countJoined(evalErr)
		q.logger.Warn("discarded invalid pool metrics", zap.Error(evalErr))
	}
	if _, err := q.ledger.Incr(ctx, ledger.CounterDecisions, 1); err != nil {
		q.logger.Warn("failed to count decision cycle", zap.Error(err))
	}

	var errs []error
	tally := func(out *Outcome, err error) {
		switch {
		case err != nil:
			report.Failed++
			errs = append(errs, err)
		case out.Status == OutcomePending:
			report.Pending++
		default:
			report.Executed++
		}
	}

	for _, p := range proposals {
		if q.proposals.awaiting(p) {
			report.Duplicates++
			q.logger.Debug("proposal already awaiting approval", zap.String("subject", subject(p)))
			continue
		}
		q.countProposal(ctx)
		report.Proposals = append(report.Proposals, p.Clone())
		tally(q.Execute(ctx, p))
	}

	for _, p := range q.proposals.list(ProposalFilter{Status: decision.StatusApproved}) {
		if _, busy := q.inflight.Load(p.ID); busy {
			continue
		}
		tally(q.Execute(ctx, p))
	}

	q.logger.Debug("decision cycle complete",
		zap.Int("proposals", len(report.Proposals)),
		zap.Int("executed", report.Executed),
		zap.Int("pending", report.Pending),
		zap.Int("failed", report.Failed),
	)
	return report, errors.Join(errs...)
}

// DistributeRewards computes the daily reward distribution and executes it.
// It returns nil when there is nothing to distribute.
func (q *Queen) DistributeRewards(ctx context.Context) (*Outcome, error) {
	m, err := q.collect(ctx)
	if err != nil {
		return nil, err
	}
	if m.Staking == nil {
		q.logger.Info("no staking metrics, skipping reward distribution")
		return nil, nil
	}
	p, err := q.engine.EvaluateRewards(*m.Staking)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, nil
	}
	q.countProposal(ctx)
	q.logger.Info("daily reward distribution",
		zap.Float64("total", p.Amount),
		zap.Int("stakers", len(m.Staking.Stakers)),
	)
	return q.Execute(ctx, p)
}

// collect fetches metrics from the source and caches them for the monitor.
func (q *Queen) collect(ctx context.Context) (decision.Metrics, error) {
	ctx, cancel := context.WithTimeout(ctx, q.cfg.CollectTimeout)
	defer cancel()
	m, err := q.safeCollect(ctx)
	if err != nil {
		return decision.Metrics{}, types.Wrap(err, types.ErrInternalError, "collect metrics")
	}
	q.state.setMetrics(m, q.now().UTC())
	return m, nil
}

// safeCollect turns a panicking source into an error; the monitor calls it
// from a goroutine where a panic would take the process down.
func (q *Queen) safeCollect(ctx context.Context) (m decision.Metrics, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = types.Errorf(types.ErrInternalError, "metrics source panicked: %v", r)
		}
	}()
	return q.source.Collect(ctx)
}

func (q *Queen) countProposal(ctx context.Context) {
	if _, err := q.ledger.Incr(ctx, ledger.CounterProposals, 1); err != nil {
		q.logger.Warn("failed to count proposal", zap.Error(err))
	}
}

// syncApprovals applies decisions taken since the last sync, including ones
// made by another process sharing the approval store.
func (q *Queen) syncApprovals(ctx context.Context) error {
	q.syncMu.Lock()
	defer q.syncMu.Unlock()

	resolved, err := q.approvals.Resolved(ctx, q.resolvedSince)
	if err != nil {
		return err
	}
	for _, r := range resolved {
		q.applyResolution(ctx, r)
		if r.ResolvedAt.After(q.resolvedSince) {
			q.resolvedSince = *r.ResolvedAt
		}
	}
	return nil
}

// applyResolution moves the proposal behind an approval to approved or
// rejected. Proposals unknown to this process are rebuilt from the approval
// payload. Applying the same decision twice is a no-op.
func (q *Queen) applyResolution(ctx context.Context, r *approval.Request) {
	if r.Status == approval.StatusPending || r.ResolvedAt == nil {
		return
	}
	if _, err := q.proposals.get(r.ID); err != nil {
		p, perr := proposalFromApproval(r)
		if perr != nil {
			q.logger.Warn("approval without a usable proposal", zap.String("id", r.ID), zap.Error(perr))
			return
		}
		q.proposals.put(p)
	}

	to := decision.StatusApproved
	if r.Status == approval.StatusRejected {
		to = decision.StatusRejected
	}
	p, err := q.proposals.update(r.ID, func(p *decision.Proposal) error {
		if p.Status != decision.StatusProposed {
			return errSettled
		}
		if err := p.Transition(to, *r.ResolvedAt); err != nil {
			return err
		}
		p.Note = fmt.Sprintf("%s by %s", r.Status, r.Approver)
		if r.Reason != "" {
			p.Note += ": " + r.Reason
		}
		return nil
	})
	if errors.Is(err, errSettled) {
		return
	}
	if err != nil {
		q.logger.Warn("failed to apply approval", zap.String("id", r.ID), zap.Error(err))
		return
	}

	q.metrics.RecordProposal(string(p.Kind), string(to))
	if to == decision.StatusRejected {
		if _, err := q.ledger.Incr(ctx, ledger.CounterRejected, 1); err != nil {
			q.logger.Warn("failed to count rejection", zap.Error(err))
		}
	}
	q.logger.Info("proposal decided",
		zap.String("id", p.ID),
		zap.String("status", string(to)),
		zap.String("approver", r.Approver),
	)
}

var errSettled = errors.New("proposal already decided")

// proposalData flattens p into the JSON shape stored with its approval.
func proposalData(p *decision.Proposal) map[string]any {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func proposalFromApproval(r *approval.Request) (*decision.Proposal, error) {
	data, ok := r.Data["proposal"]
	if !ok {
		return nil, types.Errorf(types.ErrNotFound, "approval %s carries no proposal", r.ID)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var p decision.Proposal
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if p.ID != r.ID {
		return nil, types.Errorf(types.ErrInvalidRequest, "approval %s carries proposal %s", r.ID, p.ID)
	}
	return &p, nil
}

func countJoined(err error) int {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return len(j.Unwrap())
	}
	return 1
}
