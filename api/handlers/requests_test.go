package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/BaSui01/queenbee/orchestrator"
	"github.com/BaSui01/queenbee/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func postJSON(path, body string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}

func TestRequestHandler_HandleProcess(t *testing.T) {
	q := newFakeQueen()
	h := NewRequestHandler(q, zap.NewNop())

	w := httptest.NewRecorder()
	h.HandleProcess(w, postJSON("/v1/requests", `{"type":"chat","user":"alice","data":{"message":"hi"}}`))

	assert.Equal(t, http.StatusOK, w.Code)
	resp := decodeResponse(t, w)
	assert.True(t, resp.Success)

	req := q.lastRequest()
	assert.Equal(t, orchestrator.RequestChat, req.Type)
	assert.Equal(t, "alice", req.User)
	assert.Equal(t, "hi", req.Data["message"])
}

func TestRequestHandler_PrincipalOverridesUser(t *testing.T) {
	q := newFakeQueen()
	h := NewRequestHandler(q, nil)

	w := httptest.NewRecorder()
	h.HandleProcess(w, asViewer(postJSON("/v1/requests", `{"type":"chat","user":"mallory"}`), "bob"))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "bob", q.lastRequest().User)
}

func TestRequestHandler_PendingApprovalIsAccepted(t *testing.T) {
	q := newFakeQueen()
	q.resp = &orchestrator.Response{
		Status:     orchestrator.StatusPendingApproval,
		Type:       orchestrator.RequestProposeBridgeTransfer,
		ProposalID: "p-1",
	}
	h := NewRequestHandler(q, nil)

	w := httptest.NewRecorder()
	h.HandleProcess(w, postJSON("/v1/requests", `{"type":"propose_bridge_transfer","data":{"amount":100}}`))

	assert.Equal(t, http.StatusAccepted, w.Code)
	resp := decodeResponse(t, w)
	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "p-1", data["proposal_id"])
	assert.Equal(t, "pending_approval", data["status"])
}

func TestRequestHandler_Errors(t *testing.T) {
	tests := []struct {
		name     string
		req      func() *http.Request
		queenErr error
		want     int
		code     types.ErrorCode
	}{
		{
			name: "wrong content type",
			req: func() *http.Request {
				r := postJSON("/v1/requests", `{"type":"chat"}`)
				r.Header.Set("Content-Type", "text/plain")
				return r
			},
			want: http.StatusUnsupportedMediaType,
			code: types.ErrInvalidRequest,
		},
		{
			name: "missing type",
			req:  func() *http.Request { return postJSON("/v1/requests", `{"data":{}}`) },
			want: http.StatusBadRequest,
			code: types.ErrInvalidRequest,
		},
		{
			name:     "unknown type from queen",
			req:      func() *http.Request { return postJSON("/v1/requests", `{"type":"dance"}`) },
			queenErr: types.Errorf(types.ErrInvalidRequest, "unknown request type %q", "dance"),
			want:     http.StatusBadRequest,
			code:     types.ErrInvalidRequest,
		},
		{
			name:     "rate limited",
			req:      func() *http.Request { return postJSON("/v1/requests", `{"type":"propose_treasury_spending"}`) },
			queenErr: types.NewError(types.ErrRateLimitExceeded, "daily ceiling reached"),
			want:     http.StatusTooManyRequests,
			code:     types.ErrRateLimitExceeded,
		},
		{
			name:     "untyped error hidden",
			req:      func() *http.Request { return postJSON("/v1/requests", `{"type":"chat"}`) },
			queenErr: errors.New("boom"),
			want:     http.StatusInternalServerError,
			code:     types.ErrInternalError,
		},
		{
			name: "admin type without principal",
			req:  func() *http.Request { return postJSON("/v1/requests", `{"type":"approve_proposal"}`) },
			want: http.StatusUnauthorized,
			code: types.ErrUnauthorized,
		},
		{
			name: "admin type without role",
			req: func() *http.Request {
				return asViewer(postJSON("/v1/requests", `{"type":"switch_provider"}`), "bob")
			},
			want: http.StatusForbidden,
			code: types.ErrUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newFakeQueen()
			q.err = tt.queenErr
			h := NewRequestHandler(q, nil)

			w := httptest.NewRecorder()
			h.HandleProcess(w, tt.req())

			assert.Equal(t, tt.want, w.Code)
			resp := decodeResponse(t, w)
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, string(tt.code), resp.Error.Code)
		})
	}
}

func TestRequestHandler_AdminRequestUsesSubject(t *testing.T) {
	q := newFakeQueen()
	h := NewRequestHandler(q, nil)

	w := httptest.NewRecorder()
	h.HandleProcess(w, asAdmin(postJSON("/v1/requests",
		`{"type":"reject_proposal","user":"someone-else","data":{"proposal_id":"p-1"}}`), "ops"))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ops", q.lastRequest().User)
}

func TestRequestHandler_HandleSupported(t *testing.T) {
	h := NewRequestHandler(newFakeQueen(), nil)

	w := httptest.NewRecorder()
	h.HandleSupported(w, httptest.NewRequest(http.MethodGet, "/v1/requests", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Data struct {
			Types      []string `json:"types"`
			AdminTypes []string `json:"admin_types"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Len(t, resp.Data.Types, 4)
	assert.ElementsMatch(t, []string{"approve_proposal", "switch_provider"}, resp.Data.AdminTypes)
}

func TestRequestHandler_Providers(t *testing.T) {
	q := newFakeQueen()
	h := NewRequestHandler(q, nil)

	w := httptest.NewRecorder()
	h.HandleListProviders(w, httptest.NewRequest(http.MethodGet, "/v1/providers", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, orchestrator.RequestListProviders, q.lastRequest().Type)

	w = httptest.NewRecorder()
	h.HandleSwitchProvider(w, postJSON("/v1/providers/active", `{"provider":"gemini"}`))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	h.HandleSwitchProvider(w, asAdmin(postJSON("/v1/providers/active", `{}`), "ops"))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	h.HandleSwitchProvider(w, asAdmin(postJSON("/v1/providers/active", `{"provider":"gemini"}`), "ops"))
	assert.Equal(t, http.StatusOK, w.Code)
	req := q.lastRequest()
	assert.Equal(t, orchestrator.RequestSwitchProvider, req.Type)
	assert.Equal(t, "ops", req.User)
	assert.Equal(t, "gemini", req.Data["provider"])
}

func TestRequestHandler_UnknownProvider(t *testing.T) {
	q := newFakeQueen()
	q.err = types.Errorf(types.ErrProviderNotFound, "provider %q not registered", "nope")
	h := NewRequestHandler(q, nil)

	w := httptest.NewRecorder()
	h.HandleSwitchProvider(w, asAdmin(postJSON("/v1/providers/active", `{"provider":"nope"}`), "ops"))

	assert.Equal(t, http.StatusNotFound, w.Code)
}
