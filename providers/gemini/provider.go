package gemini

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/BaSui01/queenbee/llm"
	"github.com/BaSui01/queenbee/providers"
	"github.com/BaSui01/queenbee/types"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

// DefaultModel 未配置模型时使用
const DefaultModel = "gemini-2.0-flash"

// GeminiProvider 通过 google genai SDK 调用 Gemini API。
// 客户端在首次调用时创建，构造函数不需要 ctx。
type GeminiProvider struct {
	name   string
	cfg    providers.Config
	logger *zap.Logger

	once    sync.Once
	client  *genai.Client
	initErr error
}

// NewGeminiProvider 创建 Gemini Provider
func NewGeminiProvider(cfg providers.Config, logger *zap.Logger) *GeminiProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	name := cfg.ProviderName()
	return &GeminiProvider{
		name:   name,
		cfg:    cfg,
		logger: logger.With(zap.String("provider", name)),
	}
}

func (p *GeminiProvider) Name() string { return p.name }

func (p *GeminiProvider) init(ctx context.Context) error {
	p.once.Do(func() {
		timeout := p.cfg.Timeout
		p.client, p.initErr = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:     p.cfg.APIKey,
			Backend:    genai.BackendGeminiAPI,
			HTTPClient: p.cfg.HTTPClient(),
			HTTPOptions: genai.HTTPOptions{
				BaseURL: p.cfg.BaseURL,
				Timeout: &timeout,
			},
		})
	})
	return p.initErr
}

// Generate 发送一次非流式请求
func (p *GeminiProvider) Generate(ctx context.Context, msgs []types.Message, opts llm.Options) (*llm.Generation, error) {
	if err := p.init(ctx); err != nil {
		return nil, providers.MapError(err, p.name)
	}

	system, turns := providers.SplitSystem(msgs)
	contents := make([]*genai.Content, 0, len(turns))
	for _, m := range turns {
		role := genai.Role(genai.RoleUser)
		if m.Role == types.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}

	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(opts.Temperature)),
	}
	if opts.MaxTokens > 0 {
		config.MaxOutputTokens = int32(opts.MaxTokens)
	}
	if system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	model := providers.ChooseModel(opts.Model, p.cfg.Model, DefaultModel)
	resp, err := p.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, p.mapError(err)
	}

	gen := &llm.Generation{Text: resp.Text(), Model: model}
	if resp.ModelVersion != "" {
		gen.Model = resp.ModelVersion
	}
	if u := resp.UsageMetadata; u != nil {
		gen.Usage = types.TokenUsage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.PromptTokenCount + u.CandidatesTokenCount),
		}
	}

	p.logger.Debug("gemini completion",
		zap.String("model", gen.Model),
		zap.Int("prompt_tokens", gen.Usage.PromptTokens),
		zap.Int("completion_tokens", gen.Usage.CompletionTokens),
	)
	return gen, nil
}

func (p *GeminiProvider) mapError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return providers.MapHTTPError(apiErr.Code, apiErr.Message, p.name).WithCause(err)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return providers.MapHTTPError(apiErrPtr.Code, apiErrPtr.Message, p.name).WithCause(err)
	}
	return providers.MapError(err, p.name)
}
