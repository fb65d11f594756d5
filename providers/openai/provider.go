package openai

import (
	"context"
	"errors"
	"time"

	"github.com/BaSui01/queenbee/llm"
	"github.com/BaSui01/queenbee/providers"
	"github.com/BaSui01/queenbee/types"
	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"
)

// DefaultModel 未配置模型时使用
const DefaultModel = "gpt-4o-mini"

// OpenAIProvider 通过官方 SDK 调用 Chat Completions API
type OpenAIProvider struct {
	name   string
	cfg    providers.Config
	client sdk.Client
	logger *zap.Logger
}

// NewOpenAIProvider 创建 OpenAI Provider
func NewOpenAIProvider(cfg providers.Config, logger *zap.Logger) *OpenAIProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
		option.WithRequestTimeout(timeout),
		option.WithHTTPClient(cfg.HTTPClient()),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Organization != "" {
		opts = append(opts, option.WithOrganization(cfg.Organization))
	}

	name := cfg.ProviderName()
	return &OpenAIProvider{
		name:   name,
		cfg:    cfg,
		client: sdk.NewClient(opts...),
		logger: logger.With(zap.String("provider", name)),
	}
}

func (p *OpenAIProvider) Name() string { return p.name }

// Generate 发送一次非流式请求
func (p *OpenAIProvider) Generate(ctx context.Context, msgs []types.Message, opts llm.Options) (*llm.Generation, error) {
	params := sdk.ChatCompletionNewParams{
		Model:       providers.ChooseModel(opts.Model, p.cfg.Model, DefaultModel),
		Messages:    convertMessages(msgs),
		Temperature: sdk.Float(opts.Temperature),
	}
	if opts.MaxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(int64(opts.MaxTokens))
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, p.mapError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, types.NewError(types.ErrProviderError, "no choices in response").
			WithProvider(p.name).WithRetryable(true)
	}

	p.logger.Debug("openai completion",
		zap.String("model", resp.Model),
		zap.String("finish_reason", resp.Choices[0].FinishReason),
		zap.Int64("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int64("completion_tokens", resp.Usage.CompletionTokens),
	)

	prompt, completion := int(resp.Usage.PromptTokens), int(resp.Usage.CompletionTokens)
	return &llm.Generation{
		Text:  resp.Choices[0].Message.Content,
		Model: resp.Model,
		Usage: types.TokenUsage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		},
	}, nil
}

func convertMessages(msgs []types.Message) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case types.RoleSystem:
			out = append(out, sdk.SystemMessage(m.Content))
		case types.RoleAssistant:
			out = append(out, sdk.AssistantMessage(m.Content))
		default:
			out = append(out, sdk.UserMessage(m.Content))
		}
	}
	return out
}

func (p *OpenAIProvider) mapError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return providers.MapHTTPError(apiErr.StatusCode, apiErr.Error(), p.name).WithCause(err)
	}
	return providers.MapError(err, p.name)
}
