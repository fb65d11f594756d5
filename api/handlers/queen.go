package handlers

import (
	"context"
	"net/http"

	"github.com/BaSui01/queenbee/decision"
	"github.com/BaSui01/queenbee/internal/ctxkeys"
	"github.com/BaSui01/queenbee/orchestrator"
	"github.com/BaSui01/queenbee/types"
	"go.uber.org/zap"
)

// Queen 是 HTTP 层用到的编排器能力，*orchestrator.Queen 实现了它
type Queen interface {
	ProcessRequest(ctx context.Context, req orchestrator.Request) (*orchestrator.Response, error)
	SupportedRequests() []string
	ListProposals(f orchestrator.ProposalFilter) []*decision.Proposal
	Proposal(id string) (*decision.Proposal, error)
	Approve(ctx context.Context, id, approver string) (*orchestrator.Response, error)
	Reject(ctx context.Context, id, approver, reason string) (*orchestrator.Response, error)
	Snapshot() orchestrator.Snapshot
	Running() bool
}

var _ Queen = (*orchestrator.Queen)(nil)

// adminRequests 只允许 admin 角色发起的请求类型
var adminRequests = map[string]bool{
	orchestrator.RequestRegisterBee:     true,
	orchestrator.RequestResetBee:        true,
	orchestrator.RequestSwitchProvider:  true,
	orchestrator.RequestApproveProposal: true,
	orchestrator.RequestRejectProposal:  true,
}

// IsAdminRequest 请求类型是否需要 admin 角色
func IsAdminRequest(requestType string) bool {
	return adminRequests[requestType]
}

// requireAdmin 未认证返回 401，缺少 admin 角色返回 403
func requireAdmin(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (ctxkeys.Principal, bool) {
	p, ok := ctxkeys.PrincipalFrom(r.Context())
	if !ok {
		WriteError(w, types.NewError(types.ErrUnauthorized, "authentication required"), logger)
		return ctxkeys.Principal{}, false
	}
	if !p.HasRole(ctxkeys.RoleAdmin) {
		WriteError(w, types.NewError(types.ErrUnauthorized, "admin role required").
			WithHTTPStatus(http.StatusForbidden), logger)
		return ctxkeys.Principal{}, false
	}
	return p, true
}

// writeQueenResponse 把编排器的响应写成统一结构，待审批时返回 202
func writeQueenResponse(w http.ResponseWriter, resp *orchestrator.Response) {
	status := http.StatusOK
	if resp.Status == orchestrator.StatusPendingApproval {
		status = http.StatusAccepted
	}
	WriteSuccessStatus(w, status, resp)
}
