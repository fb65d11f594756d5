package llm

import (
	"context"

	"github.com/BaSui01/queenbee/types"
)

// Options are per-call generation parameters passed to a backend.
type Options struct {
	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

// Generation is a backend's reply.
type Generation struct {
	Text  string           `json:"text"`
	Model string           `json:"model"`
	Usage types.TokenUsage `json:"usage"`
}

// Provider is a stateless LLM backend. The gateway owns conversation state
// and always passes the full message list.
type Provider interface {
	Name() string
	Generate(ctx context.Context, msgs []types.Message, opts Options) (*Generation, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc struct {
	ProviderName string
	Fn           func(ctx context.Context, msgs []types.Message, opts Options) (*Generation, error)
}

func (p ProviderFunc) Name() string { return p.ProviderName }

func (p ProviderFunc) Generate(ctx context.Context, msgs []types.Message, opts Options) (*Generation, error) {
	return p.Fn(ctx, msgs, opts)
}
