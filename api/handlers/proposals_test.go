package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BaSui01/queenbee/decision"
	"github.com/BaSui01/queenbee/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seededQueen() *fakeQueen {
	q := newFakeQueen()
	q.proposals["p-1"] = &decision.Proposal{
		ID:        "p-1",
		Kind:      decision.KindBridgeTransfer,
		Resource:  decision.ResourceBridge,
		Amount:    50_000,
		Risk:      decision.RiskRequiresApproval,
		Status:    decision.StatusProposed,
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	q.proposals["p-2"] = &decision.Proposal{
		ID:     "p-2",
		Kind:   decision.KindRewardAdjustment,
		Risk:   decision.RiskAuto,
		Status: decision.StatusExecuted,
	}
	return q
}

// newProposalMux 通过真实路由设置 {id}
func newProposalMux(h *ProposalHandler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/proposals", h.HandleList)
	mux.HandleFunc("GET /v1/proposals/{id}", h.HandleGet)
	mux.HandleFunc("POST /v1/proposals/{id}/approve", h.HandleApprove)
	mux.HandleFunc("POST /v1/proposals/{id}/reject", h.HandleReject)
	return mux
}

func TestProposalHandler_List(t *testing.T) {
	q := seededQueen()
	mux := newProposalMux(NewProposalHandler(q, nil))

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/proposals?status=proposed&limit=5", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Data struct {
			Proposals []decision.Proposal `json:"proposals"`
			Count     int                 `json:"count"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, 1, resp.Data.Count)
	assert.Equal(t, "p-1", resp.Data.Proposals[0].ID)

	require.Len(t, q.filters, 1)
	assert.Equal(t, decision.StatusProposed, q.filters[0].Status)
	assert.Equal(t, 5, q.filters[0].Limit)
}

func TestProposalHandler_ListDefaultsAndValidation(t *testing.T) {
	q := seededQueen()
	mux := newProposalMux(NewProposalHandler(q, nil))

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/proposals", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, defaultProposalLimit, q.filters[0].Limit)

	for _, query := range []string{"status=maybe", "kind=lottery", "limit=0", "limit=abc"} {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/proposals?"+query, nil))
		assert.Equal(t, http.StatusBadRequest, w.Code, query)
	}
}

func TestProposalHandler_Get(t *testing.T) {
	mux := newProposalMux(NewProposalHandler(seededQueen(), nil))

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/proposals/p-1", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"bridge_transfer"`)

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/proposals/ghost", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestProposalHandler_Approve(t *testing.T) {
	q := seededQueen()
	mux := newProposalMux(NewProposalHandler(q, nil))

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/proposals/p-1/approve", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, q.approved)

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, asViewer(httptest.NewRequest(http.MethodPost, "/v1/proposals/p-1/approve", nil), "bob"))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, asAdmin(httptest.NewRequest(http.MethodPost, "/v1/proposals/p-1/approve", nil), "ops"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"p-1:ops"}, q.approved)
}

func TestProposalHandler_ApproveSettled(t *testing.T) {
	q := seededQueen()
	q.err = types.NewError(types.ErrInvalidTransition, "proposal p-2 cannot move from executed to approved")
	mux := newProposalMux(NewProposalHandler(q, nil))

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, asAdmin(httptest.NewRequest(http.MethodPost, "/v1/proposals/p-2/approve", nil), "ops"))

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestProposalHandler_Reject(t *testing.T) {
	q := seededQueen()
	mux := newProposalMux(NewProposalHandler(q, nil))

	r := httptest.NewRequest(http.MethodPost, "/v1/proposals/p-1/reject", strings.NewReader(`{"reason":"too large"}`))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, asAdmin(r, "ops"))
	assert.Equal(t, http.StatusOK, w.Code)

	// 无请求体时理由为空
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, asAdmin(httptest.NewRequest(http.MethodPost, "/v1/proposals/p-1/reject", nil), "ops"))
	assert.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, []string{"p-1:ops:too large", "p-1:ops:"}, q.rejected)
}
