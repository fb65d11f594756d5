package claude

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/BaSui01/queenbee/llm"
	"github.com/BaSui01/queenbee/providers"
	"github.com/BaSui01/queenbee/types"
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"
)

// DefaultModel 未配置模型时使用
const DefaultModel = "claude-3-5-sonnet-20241022"

// ClaudeProvider 通过官方 SDK 调用 Anthropic Messages API。
// Claude 与 OpenAI 的差异：
// 1. system 消息单独传递
// 2. 消息必须 user/assistant 交替，且以 user 开始
// 3. max_tokens 为必填
type ClaudeProvider struct {
	name   string
	cfg    providers.Config
	client anthropic.Client
	logger *zap.Logger
}

// NewClaudeProvider 创建 Claude Provider。
func NewClaudeProvider(cfg providers.Config, logger *zap.Logger) *ClaudeProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second // Claude 响应可能较慢
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

	name := cfg.ProviderName()
	return &ClaudeProvider{
		name:   name,
		cfg:    cfg,
		client: anthropic.NewClient(opts...),
		logger: logger.With(zap.String("provider", name)),
	}
}

func (p *ClaudeProvider) Name() string { return p.name }

// Generate 发送一次非流式请求
func (p *ClaudeProvider) Generate(ctx context.Context, msgs []types.Message, opts llm.Options) (*llm.Generation, error) {
	system, turns := providers.SplitSystem(msgs)
	if len(turns) > 0 && turns[0].Role != types.RoleUser {
		turns = append([]types.Message{{Role: types.RoleUser, Content: "(conversation continues)"}}, turns...)
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(providers.ChooseModel(opts.Model, p.cfg.Model, DefaultModel)),
		Messages:    convertMessages(turns),
		MaxTokens:   int64(max(opts.MaxTokens, 1)),
		Temperature: anthropic.Float(opts.Temperature),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, p.mapError(err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.AsText().Text)
		}
	}

	p.logger.Debug("claude completion",
		zap.String("model", string(resp.Model)),
		zap.String("stop_reason", string(resp.StopReason)),
		zap.Int64("input_tokens", resp.Usage.InputTokens),
		zap.Int64("output_tokens", resp.Usage.OutputTokens),
	)

	prompt, completion := int(resp.Usage.InputTokens), int(resp.Usage.OutputTokens)
	return &llm.Generation{
		Text:  text.String(),
		Model: string(resp.Model),
		Usage: types.TokenUsage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		},
	}, nil
}

// convertMessages 将统一格式转换为 Claude 格式
func convertMessages(turns []types.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(turns))
	for _, m := range turns {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == types.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(block))
		} else {
			out = append(out, anthropic.NewUserMessage(block))
		}
	}
	return out
}

func (p *ClaudeProvider) mapError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return providers.MapHTTPError(apiErr.StatusCode, apiErr.Error(), p.name).WithCause(err)
	}
	return providers.MapError(err, p.name)
}
