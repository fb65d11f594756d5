package providers

import (
	"errors"
	"net/http"
	"testing"

	"github.com/BaSui01/queenbee/types"
	"github.com/stretchr/testify/assert"
)

func TestChooseModel_Priority(t *testing.T) {
	assert.Equal(t, "req", ChooseModel("req", "cfg", "def"))
	assert.Equal(t, "cfg", ChooseModel("", "cfg", "def"))
	assert.Equal(t, "def", ChooseModel("", "", "def"))
}

func TestSplitSystem(t *testing.T) {
	system, turns := SplitSystem([]types.Message{
		{Role: types.RoleSystem, Content: "be brief"},
		{Role: types.RoleUser, Content: "a"},
		{Role: types.RoleUser, Content: "b"},
		{Role: types.RoleSystem, Content: "context"},
		{Role: types.RoleAssistant, Content: "c"},
	})
	assert.Equal(t, "be brief\n\ncontext", system)
	assert.Equal(t, []types.Message{
		{Role: types.RoleUser, Content: "a\n\nb"},
		{Role: types.RoleAssistant, Content: "c"},
	}, turns)
}

func TestMapHTTPError(t *testing.T) {
	tests := []struct {
		status    int
		msg       string
		code      types.ErrorCode
		retryable bool
	}{
		{http.StatusUnauthorized, "bad key", types.ErrUnauthorized, false},
		{http.StatusForbidden, "nope", types.ErrUnauthorized, false},
		{http.StatusBadRequest, "bad field", types.ErrInvalidRequest, false},
		{http.StatusBadRequest, "insufficient quota", types.ErrProviderError, false},
		{http.StatusTooManyRequests, "slow down", types.ErrProviderError, true},
		{529, "overloaded", types.ErrProviderError, true},
		{http.StatusBadGateway, "upstream", types.ErrProviderError, true},
		{http.StatusNotFound, "no model", types.ErrProviderError, false},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			e := MapHTTPError(tt.status, tt.msg, "p")
			assert.Equal(t, tt.code, e.Code)
			assert.Equal(t, tt.retryable, e.Retryable)
			assert.Equal(t, tt.status, e.HTTPStatus)
			assert.Equal(t, "p", e.Provider)
		})
	}
}

func TestMapError(t *testing.T) {
	e := MapError(errors.New("connection reset"), "p")
	assert.Equal(t, types.ErrProviderError, e.Code)
	assert.True(t, e.Retryable)

	typed := types.NewError(types.ErrTimeout, "slow")
	assert.Same(t, typed, MapError(typed, "p"))
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, Config{Type: TypeGemini, APIKey: "k"}.Validate())
	assert.Error(t, Config{Type: TypeGemini, APIKey: "k", Timeout: -1}.Validate())
	assert.Equal(t, "gemini", Config{Type: TypeGemini}.ProviderName())
	assert.Equal(t, "g2", Config{Name: "g2", Type: TypeGemini}.ProviderName())
}
