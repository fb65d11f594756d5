package tokenizer

import (
	"errors"
	"testing"

	"github.com/BaSui01/queenbee/types"
	"github.com/stretchr/testify/assert"
)

type stubTokenizer struct {
	name string
	n    int
	err  error
}

func (s stubTokenizer) CountTokens(string) (int, error) { return s.n, s.err }
func (s stubTokenizer) CountMessages([]types.Message) (int, error) { return s.n, s.err }
func (s stubTokenizer) Name() string { return s.name }

func TestEstimator(t *testing.T) {
	e := NewEstimator()

	n, err := e.CountTokens("")
	assert.NoError(t, err)
	assert.Zero(t, n)

	n, _ = e.CountTokens("hi")
	assert.Equal(t, 1, n)

	n, _ = e.CountTokens("abcdefghijklmnop")
	assert.Equal(t, 4, n)

	n, _ = e.CountTokens("蜂后调度")
	assert.Equal(t, 2, n)

	n, _ = e.CountMessages([]types.Message{
		{Role: types.RoleUser, Content: "abcdefgh"},
		{Role: types.RoleAssistant, Content: "abcd"},
	})
	assert.Equal(t, 2+4+1+4+3, n)
}

func TestRegistry_Lookup(t *testing.T) {
	r := NewRegistry()
	r.Register("gpt-4", stubTokenizer{name: "gpt4", n: 10})
	r.Register("gpt-4o", stubTokenizer{name: "gpt4o", n: 20})

	assert.Equal(t, "gpt4", r.For("gpt-4").Name())
	assert.Equal(t, "gpt4o", r.For("gpt-4o-mini").Name())
	assert.Equal(t, "gpt4", r.For("gpt-4-0613").Name())
	assert.Equal(t, "estimator", r.For("claude-3-5-sonnet").Name())
}

func TestRegistry_CountFallsBack(t *testing.T) {
	r := NewRegistry()
	r.Register("broken", stubTokenizer{name: "broken", err: errors.New("no data")})

	msgs := []types.Message{{Role: types.RoleUser, Content: "abcdefgh"}}
	assert.Equal(t, 2+4+3, r.Count("broken", msgs))
	assert.Equal(t, 2, r.CountText("broken", "abcdefgh"))
	assert.Equal(t, 2, r.CountText("other", "abcdefgh"))
}

func TestNewDefaultRegistry(t *testing.T) {
	r := NewDefaultRegistry()
	assert.Equal(t, "tiktoken[o200k_base]", r.For("gpt-4o-2024-08-06").Name())
	assert.Equal(t, "tiktoken[cl100k_base]", r.For("gpt-4-turbo").Name())
	assert.Equal(t, "estimator", r.For("gemini-1.5-flash").Name())
}
