// Package factory creates llm.Provider instances from configuration. It
// imports every backend sub-package so that neither llm nor providers has to.
package factory

import (
	"errors"
	"fmt"

	"github.com/BaSui01/queenbee/llm"
	"github.com/BaSui01/queenbee/providers"
	claude "github.com/BaSui01/queenbee/providers/anthropic"
	"github.com/BaSui01/queenbee/providers/gemini"
	"github.com/BaSui01/queenbee/providers/openai"
	"go.uber.org/zap"
)

// NewProvider creates a backend for cfg.
func NewProvider(cfg providers.Config, logger *zap.Logger) (llm.Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxRetries > 0 {
		logger.Warn("provider retries run inside one failover attempt and delay the next provider",
			zap.String("provider", cfg.ProviderName()),
			zap.Int("max_retries", cfg.MaxRetries),
		)
	}

	switch cfg.Type {
	case providers.TypeAnthropic:
		return claude.NewClaudeProvider(cfg, logger), nil
	case providers.TypeOpenAI:
		return openai.NewOpenAIProvider(cfg, logger), nil
	case providers.TypeGemini:
		return gemini.NewGeminiProvider(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}

// NewProviders creates every configured backend, rejecting duplicate names.
func NewProviders(cfgs []providers.Config, logger *zap.Logger) ([]llm.Provider, error) {
	seen := make(map[string]bool, len(cfgs))
	out := make([]llm.Provider, 0, len(cfgs))
	var errs []error
	for _, cfg := range cfgs {
		name := cfg.ProviderName()
		if seen[name] {
			errs = append(errs, fmt.Errorf("duplicate provider name %q", name))
			continue
		}
		seen[name] = true

		p, err := NewProvider(cfg, logger)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, p)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}

// SupportedTypes returns the built-in backend types.
func SupportedTypes() []providers.Type {
	return []providers.Type{providers.TypeAnthropic, providers.TypeOpenAI, providers.TypeGemini}
}
