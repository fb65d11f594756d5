package tokenizer

import (
	"strings"
	"sync"

	"github.com/BaSui01/queenbee/types"
)

// Tokenizer 统一的 token 计数接口
type Tokenizer interface {
	// CountTokens 返回给定文本的 token 数
	CountTokens(text string) (int, error)

	// CountMessages 返回消息列表的总 token 数，包括每条消息的角色与分隔符开销
	CountMessages(messages []types.Message) (int, error)

	// Name 返回分词器名称
	Name() string
}

// Registry 按模型名前缀查找分词器，找不到时退回估算器
type Registry struct {
	mu       sync.RWMutex
	byModel  map[string]Tokenizer
	fallback Tokenizer
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{
		byModel:  make(map[string]Tokenizer),
		fallback: NewEstimator(),
	}
}

// NewDefaultRegistry 创建注册了 OpenAI 系列 tiktoken 编码的注册表
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for model, enc := range modelEncodings {
		r.Register(model, NewTiktoken(enc))
	}
	return r
}

// Register 为模型名（或前缀）注册分词器
func (r *Registry) Register(model string, t Tokenizer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byModel[model] = t
}

// For 返回模型对应的分词器，优先精确匹配，其次最长前缀匹配
func (r *Registry) For(model string) Tokenizer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if t, ok := r.byModel[model]; ok {
		return t
	}
	var (
		best    Tokenizer
		bestLen int
	)
	for prefix, t := range r.byModel {
		if len(prefix) > bestLen && strings.HasPrefix(model, prefix) {
			best, bestLen = t, len(prefix)
		}
	}
	if best != nil {
		return best
	}
	return r.fallback
}

// Count 统计消息 token 数，分词器出错时退回估算器
func (r *Registry) Count(model string, messages []types.Message) int {
	n, err := r.For(model).CountMessages(messages)
	if err == nil {
		return n
	}
	n, _ = r.fallback.CountMessages(messages)
	return n
}

// CountText 统计单段文本 token 数，出错时退回估算器
func (r *Registry) CountText(model, text string) int {
	n, err := r.For(model).CountTokens(text)
	if err == nil {
		return n
	}
	n, _ = r.fallback.CountTokens(text)
	return n
}
