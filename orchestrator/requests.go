package orchestrator

import (
	"cmp"
	"context"
	"encoding/json"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/BaSui01/queenbee/agent"
	"github.com/BaSui01/queenbee/agent/board"
	"github.com/BaSui01/queenbee/agent/bus"
	"github.com/BaSui01/queenbee/agent/registry"
	"github.com/BaSui01/queenbee/decision"
	"github.com/BaSui01/queenbee/ledger"
	"github.com/BaSui01/queenbee/llm"
	"github.com/BaSui01/queenbee/types"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Request types accepted by ProcessRequest.
const (
	RequestCheckSystemHealth       = "check_system_health"
	RequestListBees                = "list_bees"
	RequestRegisterBee             = "register_bee"
	RequestResetBee                = "reset_bee"
	RequestDispatchTask            = "dispatch_task"
	RequestChat                    = "chat"
	RequestSwitchProvider          = "switch_provider"
	RequestListProviders           = "list_providers"
	RequestProposeBridgeTransfer   = "propose_bridge_transfer"
	RequestProposeTreasurySpending = "propose_treasury_spending"
	RequestListProposals           = "list_proposals"
	RequestApproveProposal         = "approve_proposal"
	RequestRejectProposal          = "reject_proposal"
	RequestBoardQuery              = "board_query"
)

// ResponseStatus is the outcome class of a request.
type ResponseStatus string

const (
	StatusOK              ResponseStatus = "ok"
	StatusPendingApproval ResponseStatus = "pending_approval"
	StatusError           ResponseStatus = "error"
)

// Request is an external call into the Queen.
type Request struct {
	Type string         `json:"type"`
	User string         `json:"user,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// Response is what ProcessRequest returns on success or pending approval.
// Errors travel as *types.Error; ErrorResponse renders them.
type Response struct {
	Status     ResponseStatus `json:"status"`
	Type       string         `json:"type"`
	Data       any            `json:"data,omitempty"`
	ProposalID string         `json:"proposal_id,omitempty"`
	Message    string         `json:"message,omitempty"`
	Error      *types.Error   `json:"error,omitempty"`
}

// ErrorResponse renders err as an error response. Untyped errors are hidden
// behind INTERNAL_ERROR.
func ErrorResponse(requestType string, err error) *Response {
	e, ok := types.AsError(err)
	if !ok {
		e = types.NewError(types.ErrInternalError, "internal error")
	}
	return &Response{Status: StatusError, Type: requestType, Message: e.Message, Error: e}
}

type requestHandler func(ctx context.Context, req Request) (*Response, error)

func (q *Queen) routes() map[string]requestHandler {
	return map[string]requestHandler{
		RequestCheckSystemHealth:       q.handleHealth,
		RequestListBees:                q.handleListBees,
		RequestRegisterBee:             q.handleRegisterBee,
		RequestResetBee:                q.handleResetBee,
		RequestDispatchTask:            q.handleDispatch,
		RequestChat:                    q.handleChat,
		RequestSwitchProvider:          q.handleSwitchProvider,
		RequestListProviders:           q.handleListProviders,
		RequestProposeBridgeTransfer:   q.handleBridge,
		RequestProposeTreasurySpending: q.handleTreasury,
		RequestListProposals:           q.handleListProposals,
		RequestApproveProposal:         q.handleApprove,
		RequestRejectProposal:          q.handleReject,
		RequestBoardQuery:              q.handleBoardQuery,
	}
}

// SupportedRequests lists the accepted request types, sorted.
func (q *Queen) SupportedRequests() []string {
	return slices.Sorted(maps.Keys(q.handlers))
}

// ProcessRequest routes an external request. It returns a response with
// status ok or pending_approval, or a typed error.
func (q *Queen) ProcessRequest(ctx context.Context, req Request) (*Response, error) {
	ctx, span := q.tracer.Start(ctx, "queen.request", trace.WithAttributes(
		attribute.String("request.type", req.Type),
		attribute.String("request.user", req.User),
	))
	defer span.End()

	h, ok := q.handlers[req.Type]
	if !ok {
		err := types.Errorf(types.ErrInvalidRequest, "unknown request type %q", req.Type).
			WithDetails("supported", q.SupportedRequests())
		span.SetStatus(codes.Error, err.Message)
		return nil, err
	}

	start := time.Now()
	resp, err := h(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		q.logger.Warn("request failed",
			zap.String("type", req.Type),
			zap.String("user", req.User),
			zap.String("code", string(types.GetErrorCode(err))),
			zap.Error(err),
		)
		return nil, types.Wrap(err, types.ErrInternalError, req.Type+" failed")
	}
	resp.Type = req.Type
	q.logger.Debug("request processed",
		zap.String("type", req.Type),
		zap.String("status", string(resp.Status)),
		zap.Duration("duration", time.Since(start)),
	)
	return resp, nil
}

// decode converts request data into T.
func decode[T any](data map[string]any) (T, error) {
	var out T
	if len(data) == 0 {
		return out, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return out, types.NewError(types.ErrInvalidRequest, "request data is not serializable").WithCause(err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, types.NewError(types.ErrInvalidRequest, "malformed request data").WithCause(err)
	}
	return out, nil
}

func respond(data any) *Response {
	return &Response{Status: StatusOK, Data: data}
}

func (q *Queen) handleHealth(ctx context.Context, req Request) (*Response, error) {
	in, err := decode[struct {
		Refresh bool `json:"refresh"`
	}](req.Data)
	if err != nil {
		return nil, err
	}
	snap := q.Snapshot()
	if in.Refresh || snap.TakenAt.IsZero() {
		snap = q.Monitor(ctx)
	}
	return respond(snap), nil
}

func (q *Queen) handleListBees(_ context.Context, req Request) (*Response, error) {
	in, err := decode[struct {
		Status     registry.Status     `json:"status"`
		Capability registry.Capability `json:"capability"`
		Kind       string              `json:"kind"`
	}](req.Data)
	if err != nil {
		return nil, err
	}
	bees := q.registry.List(registry.Filter{Status: in.Status, Capability: in.Capability, Kind: in.Kind})
	return respond(map[string]any{
		"bees":   bees,
		"total":  len(bees),
		"counts": q.registry.Counts(),
	}), nil
}

func (q *Queen) handleRegisterBee(_ context.Context, req Request) (*Response, error) {
	in, err := decode[registry.Descriptor](req.Data)
	if err != nil {
		return nil, err
	}
	if in.ID == "" {
		in.ID = in.Name
	}
	a, err := q.registry.Register(in)
	if err != nil {
		return nil, err
	}
	return respond(a), nil
}

// handleResetBee returns a bee from the error state to service.
func (q *Queen) handleResetBee(_ context.Context, req Request) (*Response, error) {
	in, err := decode[struct {
		Bee string `json:"bee"`
	}](req.Data)
	if err != nil {
		return nil, err
	}
	if in.Bee == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "bee is required")
	}
	if err := q.registry.Reset(in.Bee); err != nil {
		return nil, err
	}
	q.logger.Info("bee reset", zap.String("bee", in.Bee), zap.String("user", req.User))
	a, err := q.registry.Get(in.Bee)
	if err != nil {
		return nil, err
	}
	return respond(a), nil
}

func (q *Queen) handleDispatch(ctx context.Context, req Request) (*Response, error) {
	in, err := decode[struct {
		Bee       string         `json:"bee"`
		Kind      string         `json:"kind"`
		Input     map[string]any `json:"input"`
		Prompt    string         `json:"prompt"`
		SessionID string         `json:"session_id"`
		Priority  string         `json:"priority"`
		TimeoutMS int64          `json:"timeout_ms"`
	}](req.Data)
	if err != nil {
		return nil, err
	}
	if in.Kind == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "task kind is required")
	}
	if in.Bee == "" {
		if in.Bee, err = q.pickBee(in.Kind); err != nil {
			return nil, err
		}
	}

	timeout := q.cfg.DispatchTimeout
	if in.TimeoutMS > 0 {
		timeout = min(time.Duration(in.TimeoutMS)*time.Millisecond, q.cfg.MaxDispatchTimeout)
	}
	res, err := q.dispatch(ctx, in.Bee, agent.Task{
		ID:        uuid.New().String(),
		Kind:      in.Kind,
		Input:     in.Input,
		Prompt:    in.Prompt,
		SessionID: in.SessionID,
		Priority:  bus.ParsePriority(in.Priority),
	}, timeout)
	if err != nil {
		return nil, err
	}
	return respond(res), nil
}

// dispatch sends task to bee unless the registry has taken it out of
// service. Bees the registry does not know are left to the bus.
func (q *Queen) dispatch(ctx context.Context, bee string, task agent.Task, timeout time.Duration) (agent.Result, error) {
	if a, err := q.registry.Get(bee); err == nil && !q.registry.Dispatchable(bee) {
		return agent.Result{}, types.Errorf(types.ErrAgentUnavailable, "bee %s is %s", bee, a.Status).
			WithDetails("bee", bee).
			WithDetails("status", string(a.Status)).
			WithDetails("last_error", a.LastError)
	}
	return agent.Dispatch(ctx, q.bus, q.cfg.ID, bee, task, timeout)
}

// pickBee chooses a dispatchable bee for kind. Among candidates the one with
// the best success rate wins, ties broken by id.
func (q *Queen) pickBee(kind string) (string, error) {
	var best *registry.Agent
	for _, a := range q.registry.List(registry.Filter{Kind: kind}) {
		if !q.registry.Dispatchable(a.ID) {
			continue
		}
		if best == nil || a.SuccessRate() > best.SuccessRate() ||
			(a.SuccessRate() == best.SuccessRate() && a.ID < best.ID) {
			best = &a
		}
	}
	if best == nil {
		return "", types.Errorf(types.ErrAgentUnavailable, "no available bee handles %q", kind)
	}
	return best.ID, nil
}

func (q *Queen) handleChat(ctx context.Context, req Request) (*Response, error) {
	if q.gateway == nil {
		return nil, types.NewError(types.ErrProviderNotFound, "no LLM gateway configured")
	}
	in, err := decode[struct {
		Message     string         `json:"message"`
		SessionID   string         `json:"session_id"`
		Provider    string         `json:"provider"`
		Model       string         `json:"model"`
		Temperature *float64       `json:"temperature"`
		MaxTokens   int            `json:"max_tokens"`
		Context     map[string]any `json:"context"`
	}](req.Data)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Message) == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "message is required")
	}
	session := in.SessionID
	if session == "" {
		session = "user:" + cmp.Or(req.User, "anonymous")
	}
	res, err := q.gateway.Generate(ctx, session, in.Message, llm.GenerateOptions{
		Provider:    in.Provider,
		Model:       in.Model,
		Temperature: in.Temperature,
		MaxTokens:   in.MaxTokens,
		Context:     in.Context,
		Owner:       req.User,
	})
	if err != nil {
		return nil, err
	}
	return respond(res), nil
}

func (q *Queen) handleSwitchProvider(_ context.Context, req Request) (*Response, error) {
	if q.gateway == nil {
		return nil, types.NewError(types.ErrProviderNotFound, "no LLM gateway configured")
	}
	in, err := decode[struct {
		Provider string `json:"provider"`
	}](req.Data)
	if err != nil {
		return nil, err
	}
	if err := q.gateway.SwitchProvider(in.Provider); err != nil {
		return nil, err
	}
	q.logger.Info("active provider switched", zap.String("provider", in.Provider), zap.String("user", req.User))
	return respond(map[string]any{"active": q.gateway.ActiveProvider()}), nil
}

func (q *Queen) handleListProviders(context.Context, Request) (*Response, error) {
	if q.gateway == nil {
		return respond(map[string]any{"providers": []llm.ProviderStatus{}}), nil
	}
	return respond(map[string]any{
		"active":    q.gateway.ActiveProvider(),
		"providers": q.gateway.ListProviders(),
		"cost":      q.gateway.CostByProvider(),
	}), nil
}

func (q *Queen) handleBridge(ctx context.Context, req Request) (*Response, error) {
	in, err := decode[decision.BridgeRequest](req.Data)
	if err != nil {
		return nil, err
	}
	p, err := q.engine.EvaluateBridge(in)
	if err != nil {
		return nil, err
	}
	return q.propose(ctx, p)
}

func (q *Queen) handleTreasury(ctx context.Context, req Request) (*Response, error) {
	in, err := decode[decision.CampaignRequest](req.Data)
	if err != nil {
		return nil, err
	}
	if in.Type != "" {
		spent, err := q.ledger.Counter(ctx, ledger.CampaignSpent(in.Type))
		if err != nil {
			return nil, err
		}
		in.Spent = spent
	}
	p, err := q.engine.EvaluateCampaign(in)
	if err != nil {
		return nil, err
	}
	return q.propose(ctx, p)
}

// propose executes a request-born proposal and shapes the response.
func (q *Queen) propose(ctx context.Context, p *decision.Proposal) (*Response, error) {
	q.countProposal(ctx)
	out, err := q.Execute(ctx, p)
	if err != nil {
		return nil, err
	}
	return outcomeResponse(out), nil
}

func outcomeResponse(out *Outcome) *Response {
	resp := &Response{Status: StatusOK, Data: out, ProposalID: out.Proposal.ID}
	if out.Status == OutcomePending {
		resp.Status = StatusPendingApproval
		resp.Message = "proposal requires approval: " + out.Reason
	}
	return resp
}

func (q *Queen) handleListProposals(_ context.Context, req Request) (*Response, error) {
	f, err := decode[ProposalFilter](req.Data)
	if err != nil {
		return nil, err
	}
	list := q.ListProposals(f)
	return respond(map[string]any{"proposals": list, "total": len(list)}), nil
}

// ListProposals returns the known proposals, newest first.
func (q *Queen) ListProposals(f ProposalFilter) []*decision.Proposal {
	return q.proposals.list(f)
}

// Proposal returns a proposal by id.
func (q *Queen) Proposal(id string) (*decision.Proposal, error) {
	return q.proposals.get(id)
}

type decisionInput struct {
	ProposalID string `json:"proposal_id"`
	Reason     string `json:"reason"`
}

func (q *Queen) handleApprove(ctx context.Context, req Request) (*Response, error) {
	in, err := decode[decisionInput](req.Data)
	if err != nil {
		return nil, err
	}
	return q.Approve(ctx, in.ProposalID, req.User)
}

func (q *Queen) handleReject(ctx context.Context, req Request) (*Response, error) {
	in, err := decode[decisionInput](req.Data)
	if err != nil {
		return nil, err
	}
	return q.Reject(ctx, in.ProposalID, req.User, in.Reason)
}

// Approve approves a pending proposal and executes it right away. When the
// execution fails the proposal stays approved and the decision loop retries
// it; the response still reports ok with the failure attached. A campaign
// allocation that no longer fits its budget is refused with BUDGET_EXCEEDED
// and its approval stays pending.
func (q *Queen) Approve(ctx context.Context, id, approver string) (*Response, error) {
	if id == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "proposal_id is required")
	}
	if p, err := q.proposals.get(id); err == nil {
		if err := q.checkBudget(ctx, p); err != nil {
			return nil, err
		}
	}
	if _, err := q.approvals.Approve(ctx, id, approver); err != nil {
		return nil, err
	}
	p, err := q.proposals.get(id)
	if err != nil {
		return nil, err
	}
	out, err := q.Execute(ctx, p)
	if types.IsCode(err, types.ErrBudgetExceeded) {
		return nil, err
	}
	if err != nil {
		e, _ := types.AsError(err)
		current, _ := q.proposals.get(id)
		return &Response{
			Status:     StatusOK,
			ProposalID: id,
			Message:    "approved, execution will be retried",
			Data:       map[string]any{"proposal": current, "execution_error": e},
		}, nil
	}
	return &Response{Status: StatusOK, ProposalID: id, Message: "approved and executed", Data: out}, nil
}

// checkBudget refuses a campaign allocation the remaining budget can no
// longer cover. The authoritative check is the claim in run.
func (q *Queen) checkBudget(ctx context.Context, p *decision.Proposal) error {
	campaign, _ := p.Parameters["campaign"].(string)
	if campaign == "" {
		return nil
	}
	spent, err := q.ledger.Counter(ctx, ledger.CampaignSpent(campaign))
	if err != nil {
		return err
	}
	budget := q.engine.CampaignBudget(campaign)
	if remaining := budget - spent; p.Amount > remaining {
		return types.Errorf(types.ErrBudgetExceeded, "campaign %s requests %.0f but only %.0f remains", campaign, p.Amount, max(remaining, 0)).
			WithDetails("proposal_id", p.ID).
			WithDetails("budget", budget).
			WithDetails("remaining", max(remaining, 0))
	}
	return nil
}

// Reject rejects a pending proposal.
func (q *Queen) Reject(ctx context.Context, id, approver, reason string) (*Response, error) {
	if id == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "proposal_id is required")
	}
	if _, err := q.approvals.Reject(ctx, id, approver, reason); err != nil {
		return nil, err
	}
	p, err := q.proposals.get(id)
	if err != nil {
		return nil, err
	}
	return &Response{Status: StatusOK, ProposalID: id, Message: "rejected", Data: p}, nil
}

func (q *Queen) handleBoardQuery(ctx context.Context, req Request) (*Response, error) {
	if q.board == nil {
		return nil, types.NewError(types.ErrNotFound, "no knowledge board configured")
	}
	in, err := decode[struct {
		board.Filter
		Query string `json:"query"`
	}](req.Data)
	if err != nil {
		return nil, err
	}
	if in.Category != "" && !in.Category.Valid() {
		return nil, types.Errorf(types.ErrInvalidRequest, "unknown category %q", in.Category).
			WithDetails("categories", board.Categories())
	}
	if in.Query != "" {
		results, err := q.board.Search(ctx, in.Query, in.Limit)
		if err != nil {
			return nil, err
		}
		return respond(map[string]any{"results": results, "total": len(results)}), nil
	}
	posts, err := q.board.List(ctx, in.Filter)
	if err != nil {
		return nil, err
	}
	return respond(map[string]any{"posts": posts, "total": len(posts)}), nil
}
