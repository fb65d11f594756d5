package providers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/BaSui01/queenbee/internal/tlsutil"
)

// Type 后端类型
type Type string

const (
	TypeAnthropic Type = "anthropic"
	TypeOpenAI    Type = "openai"
	TypeGemini    Type = "gemini"
)

// Config 单个 Provider 的配置。Name 用于路由与计价，默认等于 Type。
type Config struct {
	Name         string        `json:"name" yaml:"name"`
	Type         Type          `json:"type" yaml:"type"`
	APIKey       string        `json:"api_key" yaml:"api_key"`
	BaseURL      string        `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Model        string        `json:"model,omitempty" yaml:"model,omitempty"`
	Organization string        `json:"organization,omitempty" yaml:"organization,omitempty"` // 仅 OpenAI
	Timeout      time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// MaxRetries 是 SDK 在一次网关尝试内部的重试次数。默认 0：429 与超时
	// 直接交给网关切换到下一个 Provider。
	MaxRetries int `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
}

// ProviderName 返回路由名称
func (c Config) ProviderName() string {
	if c.Name != "" {
		return c.Name
	}
	return string(c.Type)
}

// Validate 校验配置
func (c Config) Validate() error {
	switch c.Type {
	case TypeAnthropic, TypeOpenAI, TypeGemini:
	default:
		return fmt.Errorf("provider %q: unsupported type %q", c.ProviderName(), c.Type)
	}
	if c.APIKey == "" {
		return fmt.Errorf("provider %q: api_key is required", c.ProviderName())
	}
	if c.Timeout < 0 || c.MaxRetries < 0 {
		return fmt.Errorf("provider %q: timeout and max_retries must not be negative", c.ProviderName())
	}
	return nil
}

// HTTPClient 返回后端 SDK 使用的 HTTP 客户端。超时由各 SDK 的请求选项控制。
func (c Config) HTTPClient() *http.Client {
	return tlsutil.SecureHTTPClient(0)
}
