package handlers

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/BaSui01/queenbee/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func TestWriteSuccessStatus_Envelope(t *testing.T) {
	w := httptest.NewRecorder()
	w.Header().Set("X-Request-ID", "req-7")
	WriteSuccessStatus(w, http.StatusAccepted, map[string]string{"status": "pending_approval"})

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	resp := decodeResponse(t, w)
	assert.True(t, resp.Success)
	assert.Nil(t, resp.Error)
	assert.Equal(t, "req-7", resp.RequestID)
	assert.Equal(t, "pending_approval", resp.Data.(map[string]any)["status"])
}

func TestWriteError_StatusByCode(t *testing.T) {
	tests := []struct {
		code types.ErrorCode
		want int
	}{
		{types.ErrInvalidRequest, http.StatusBadRequest},
		{types.ErrInvalidProposal, http.StatusBadRequest},
		{types.ErrUnauthorized, http.StatusUnauthorized},
		{types.ErrNotFound, http.StatusNotFound},
		{types.ErrUnknownRecipient, http.StatusNotFound},
		{types.ErrProviderNotFound, http.StatusNotFound},
		{types.ErrInvalidTransition, http.StatusConflict},
		{types.ErrBudgetExceeded, http.StatusUnprocessableEntity},
		{types.ErrRateLimitExceeded, http.StatusTooManyRequests},
		{types.ErrTimeout, http.StatusGatewayTimeout},
		{types.ErrAgentUnavailable, http.StatusServiceUnavailable},
		{types.ErrAllProvidersExhausted, http.StatusServiceUnavailable},
		{types.ErrProviderError, http.StatusBadGateway},
		{types.ErrInternalError, http.StatusInternalServerError},
		{types.ErrorCode("SOMETHING_NEW"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, types.NewError(tt.code, "boom"), nil)

			assert.Equal(t, tt.want, w.Code)
			resp := decodeResponse(t, w)
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, string(tt.code), resp.Error.Code)
		})
	}
}

func TestWriteError_ExplicitStatusAndDetails(t *testing.T) {
	w := httptest.NewRecorder()
	err := types.NewError(types.ErrRateLimitExceeded, "daily ceiling reached").
		WithHTTPStatus(http.StatusConflict).
		WithRetryable(true).
		WithDetails("resource", "bridge")
	WriteError(w, err, nil)

	assert.Equal(t, http.StatusConflict, w.Code)
	resp := decodeResponse(t, w)
	assert.True(t, resp.Error.Retryable)
	assert.Equal(t, "bridge", resp.Error.Details["resource"])
}

func TestWriteError_LogLevelFollowsStatus(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)

	WriteError(httptest.NewRecorder(), types.NewError(types.ErrNotFound, "missing"), logger)
	WriteError(httptest.NewRecorder(), types.NewError(types.ErrProviderError, "upstream"), logger)

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zap.InfoLevel, entries[0].Level)
	assert.Equal(t, zap.ErrorLevel, entries[1].Level)
}

func TestWriteErrorFrom(t *testing.T) {
	t.Run("typed error keeps its code", func(t *testing.T) {
		w := httptest.NewRecorder()
		WriteErrorFrom(w, types.NewError(types.ErrInvalidTransition, "already executed"), nil)
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, "INVALID_TRANSITION", decodeResponse(t, w).Error.Code)
	})
	t.Run("untyped error is hidden", func(t *testing.T) {
		w := httptest.NewRecorder()
		WriteErrorFrom(w, errors.New("dial tcp 10.0.0.3:5432: refused"), nil)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		resp := decodeResponse(t, w)
		assert.Equal(t, "INTERNAL_ERROR", resp.Error.Code)
		assert.NotContains(t, resp.Error.Message, "10.0.0.3")
	})
}

type proposalBody struct {
	Amount float64 `json:"amount"`
}

func TestDecodeJSONBody(t *testing.T) {
	tests := []struct {
		name string
		body string
		ok   bool
		code int
	}{
		{"valid", `{"amount":100}`, true, http.StatusOK},
		{"empty", "", false, http.StatusBadRequest},
		{"malformed", `{"amount":`, false, http.StatusBadRequest},
		{"unknown field", `{"amount":1,"extra":true}`, false, http.StatusBadRequest},
		{"trailing object", `{"amount":1}{"amount":2}`, false, http.StatusBadRequest},
		{"too large", `{"amount":1,"pad":"` + strings.Repeat("x", maxBodyBytes) + `"}`, false, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r *http.Request
			if tt.body == "" {
				r = httptest.NewRequest(http.MethodPost, "/v1/requests", http.NoBody)
			} else {
				r = httptest.NewRequest(http.MethodPost, "/v1/requests", strings.NewReader(tt.body))
			}
			w := httptest.NewRecorder()

			var dst proposalBody
			err := DecodeJSONBody(w, r, &dst, nil)
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, 100.0, dst.Amount)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.code, w.Code)
			assert.Equal(t, "INVALID_REQUEST", decodeResponse(t, w).Error.Code)
		})
	}
}

func TestValidateContentType(t *testing.T) {
	for ct, want := range map[string]bool{
		"application/json":                true,
		"application/json; charset=utf-8": true,
		"text/plain":                      false,
		"":                                false,
	} {
		r := httptest.NewRequest(http.MethodPost, "/", nil)
		r.Header.Set("Content-Type", ct)
		w := httptest.NewRecorder()

		assert.Equal(t, want, ValidateContentType(w, r, nil), ct)
		if !want {
			assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
		}
	}
}

type hijackRecorder struct {
	*httptest.ResponseRecorder
	hijacked bool
}

func (h *hijackRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h.hijacked = true
	return nil, nil, nil
}

func TestResponseWriter(t *testing.T) {
	rec := &hijackRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw := NewResponseWriter(rec)
	assert.Equal(t, http.StatusOK, rw.StatusCode)

	rw.WriteHeader(http.StatusTeapot)
	rw.WriteHeader(http.StatusOK)
	_, err := rw.Write([]byte("hi"))
	require.NoError(t, err)
	rw.Flush()

	assert.Equal(t, http.StatusTeapot, rw.StatusCode)
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Same(t, rec, rw.Unwrap())

	_, _, err = rw.Hijack()
	require.NoError(t, err)
	assert.True(t, rec.hijacked)
}
