package decision

import (
	"maps"
	"time"

	"github.com/BaSui01/queenbee/types"
)

// Kind identifies the class of action a proposal carries.
type Kind string

const (
	KindLiquidityRebalance Kind = "liquidity_rebalance"
	KindRewardAdjustment   Kind = "reward_adjustment"
	KindCampaignAllocation Kind = "campaign_allocation"
	KindBridgeTransfer     Kind = "bridge_transfer"
)

// Risk decides whether a proposal may run without a human.
type Risk string

const (
	RiskAuto             Risk = "auto"
	RiskRequiresApproval Risk = "requires_approval"
)

// Status of a proposal. Transitions only move forward.
type Status string

const (
	StatusProposed Status = "proposed"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExecuted Status = "executed"
)

// Resources tracked by the rate-limit ledger.
const (
	ResourceLiquidity = "liquidity"
	ResourceRewards   = "rewards"
	ResourceCampaign  = "campaign"
	ResourceBridge    = "bridge"
)

var transitions = map[Status][]Status{
	StatusProposed: {StatusApproved, StatusRejected},
	StatusApproved: {StatusExecuted},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Proposal is a computed, risk-classified candidate action.
type Proposal struct {
	ID         string         `json:"id"`
	Kind       Kind           `json:"kind"`
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Amount     float64        `json:"amount"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Risk       Risk           `json:"risk"`
	Status     Status         `json:"status"`
	Reason     string         `json:"reason"`
	CreatedAt  time.Time      `json:"created_at"`
	DecidedAt  *time.Time     `json:"decided_at,omitempty"`
	ExecutedAt *time.Time     `json:"executed_at,omitempty"`
	// Note carries the approver comment or the execution failure.
	Note string `json:"note,omitempty"`
}

// Transition moves the proposal to the next status or fails with
// INVALID_TRANSITION. Terminal states are never reopened.
func (p *Proposal) Transition(to Status, at time.Time) error {
	if !CanTransition(p.Status, to) {
		return types.Errorf(types.ErrInvalidTransition, "proposal %s cannot move from %s to %s", p.ID, p.Status, to).
			WithDetails("from", string(p.Status)).
			WithDetails("to", string(to))
	}
	p.Status = to
	switch to {
	case StatusApproved, StatusRejected:
		p.DecidedAt = &at
	case StatusExecuted:
		p.ExecutedAt = &at
	}
	return nil
}

// AutoExecutable reports whether the proposal may run without approval.
func (p *Proposal) AutoExecutable() bool {
	return p.Risk == RiskAuto
}

// Clone returns a copy that shares no mutable state.
func (p *Proposal) Clone() *Proposal {
	c := *p
	c.Parameters = maps.Clone(p.Parameters)
	if p.DecidedAt != nil {
		t := *p.DecidedAt
		c.DecidedAt = &t
	}
	if p.ExecutedAt != nil {
		t := *p.ExecutedAt
		c.ExecutedAt = &t
	}
	return &c
}
