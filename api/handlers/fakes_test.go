package handlers

import (
	"context"
	"net/http"
	"sync"

	"github.com/BaSui01/queenbee/decision"
	"github.com/BaSui01/queenbee/internal/ctxkeys"
	"github.com/BaSui01/queenbee/orchestrator"
	"github.com/BaSui01/queenbee/types"
)

// fakeQueen 记录调用并返回预设结果
type fakeQueen struct {
	mu        sync.Mutex
	running   bool
	snapshot  orchestrator.Snapshot
	proposals map[string]*decision.Proposal

	requests []orchestrator.Request
	filters  []orchestrator.ProposalFilter
	approved []string // id:approver
	rejected []string // id:approver:reason

	resp *orchestrator.Response
	err  error
}

func newFakeQueen() *fakeQueen {
	return &fakeQueen{proposals: make(map[string]*decision.Proposal)}
}

func (f *fakeQueen) ProcessRequest(_ context.Context, req orchestrator.Request) (*orchestrator.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	if f.resp != nil {
		return f.resp, nil
	}
	return &orchestrator.Response{Status: orchestrator.StatusOK, Type: req.Type, Data: req.Data}, nil
}

func (f *fakeQueen) SupportedRequests() []string {
	return []string{
		orchestrator.RequestApproveProposal,
		orchestrator.RequestChat,
		orchestrator.RequestCheckSystemHealth,
		orchestrator.RequestSwitchProvider,
	}
}

func (f *fakeQueen) ListProposals(filter orchestrator.ProposalFilter) []*decision.Proposal {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters = append(f.filters, filter)
	out := make([]*decision.Proposal, 0, len(f.proposals))
	for _, p := range f.proposals {
		if filter.Status == "" || p.Status == filter.Status {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeQueen) Proposal(id string) (*decision.Proposal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.proposals[id]
	if !ok {
		return nil, types.Errorf(types.ErrNotFound, "proposal %s not found", id)
	}
	return p, nil
}

func (f *fakeQueen) Approve(_ context.Context, id, approver string) (*orchestrator.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.approved = append(f.approved, id+":"+approver)
	return &orchestrator.Response{Status: orchestrator.StatusOK, ProposalID: id, Message: "approved and executed"}, nil
}

func (f *fakeQueen) Reject(_ context.Context, id, approver, reason string) (*orchestrator.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.rejected = append(f.rejected, id+":"+approver+":"+reason)
	return &orchestrator.Response{Status: orchestrator.StatusOK, ProposalID: id, Message: "rejected"}, nil
}

func (f *fakeQueen) Snapshot() orchestrator.Snapshot { return f.snapshot }

func (f *fakeQueen) Running() bool { return f.running }

func (f *fakeQueen) lastRequest() orchestrator.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func asAdmin(r *http.Request, subject string) *http.Request {
	return r.WithContext(ctxkeys.WithPrincipal(r.Context(), ctxkeys.Principal{
		Subject: subject,
		Roles:   []string{ctxkeys.RoleAdmin},
	}))
}

func asViewer(r *http.Request, subject string) *http.Request {
	return r.WithContext(ctxkeys.WithPrincipal(r.Context(), ctxkeys.Principal{Subject: subject}))
}
