package handlers

import (
	"net/http"
	"strconv"

	"github.com/BaSui01/queenbee/decision"
	"github.com/BaSui01/queenbee/orchestrator"
	"github.com/BaSui01/queenbee/types"
	"go.uber.org/zap"
)

// defaultProposalLimit 列表默认返回条数
const defaultProposalLimit = 50

// ProposalHandler 提案查询与人工审批
type ProposalHandler struct {
	queen  Queen
	logger *zap.Logger
}

// NewProposalHandler 创建提案处理器
func NewProposalHandler(queen Queen, logger *zap.Logger) *ProposalHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProposalHandler{queen: queen, logger: logger.With(zap.String("component", "proposal_handler"))}
}

var proposalStatuses = map[decision.Status]bool{
	decision.StatusProposed: true,
	decision.StatusApproved: true,
	decision.StatusRejected: true,
	decision.StatusExecuted: true,
}

var proposalKinds = map[decision.Kind]bool{
	decision.KindLiquidityRebalance: true,
	decision.KindRewardAdjustment:   true,
	decision.KindCampaignAllocation: true,
	decision.KindBridgeTransfer:     true,
}

// HandleList 处理 GET /v1/proposals?status=&kind=&limit=
func (h *ProposalHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := orchestrator.ProposalFilter{
		Status: decision.Status(q.Get("status")),
		Kind:   decision.Kind(q.Get("kind")),
		Limit:  defaultProposalLimit,
	}
	if f.Status != "" && !proposalStatuses[f.Status] {
		WriteError(w, types.Errorf(types.ErrInvalidRequest, "unknown status %q", f.Status), h.logger)
		return
	}
	if f.Kind != "" && !proposalKinds[f.Kind] {
		WriteError(w, types.Errorf(types.ErrInvalidRequest, "unknown kind %q", f.Kind), h.logger)
		return
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			WriteError(w, types.NewError(types.ErrInvalidRequest, "limit must be a positive integer"), h.logger)
			return
		}
		f.Limit = n
	}

	proposals := h.queen.ListProposals(f)
	WriteSuccess(w, map[string]any{"proposals": proposals, "count": len(proposals)})
}

// HandleGet 处理 GET /v1/proposals/{id}
func (h *ProposalHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	p, err := h.queen.Proposal(r.PathValue("id"))
	if err != nil {
		WriteErrorFrom(w, err, h.logger)
		return
	}
	WriteSuccess(w, p)
}

// HandleApprove 处理 POST /v1/proposals/{id}/approve，审批人取 JWT subject
func (h *ProposalHandler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	p, ok := requireAdmin(w, r, h.logger)
	if !ok {
		return
	}
	resp, err := h.queen.Approve(r.Context(), r.PathValue("id"), p.Subject)
	if err != nil {
		WriteErrorFrom(w, err, h.logger)
		return
	}
	h.logger.Info("proposal approved", zap.String("proposal_id", resp.ProposalID), zap.String("approver", p.Subject))
	writeQueenResponse(w, resp)
}

// RejectBody 拒绝理由，可省略
type RejectBody struct {
	Reason string `json:"reason"`
}

// HandleReject 处理 POST /v1/proposals/{id}/reject
func (h *ProposalHandler) HandleReject(w http.ResponseWriter, r *http.Request) {
	p, ok := requireAdmin(w, r, h.logger)
	if !ok {
		return
	}
	var body RejectBody
	if r.ContentLength != 0 && r.Body != nil && r.Body != http.NoBody {
		if !ValidateContentType(w, r, h.logger) {
			return
		}
		if err := DecodeJSONBody(w, r, &body, h.logger); err != nil {
			return
		}
	}
	resp, err := h.queen.Reject(r.Context(), r.PathValue("id"), p.Subject, body.Reason)
	if err != nil {
		WriteErrorFrom(w, err, h.logger)
		return
	}
	h.logger.Info("proposal rejected", zap.String("proposal_id", resp.ProposalID), zap.String("approver", p.Subject))
	writeQueenResponse(w, resp)
}
