// MockProvider 的 LLM 提供商测试模拟实现。
//
// 支持固定响应、延迟、错误注入与调用记录，用于故障转移测试。
package mocks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/BaSui01/queenbee/llm"
	"github.com/BaSui01/queenbee/types"
)

// --- MockProvider 结构 ---

// MockProvider 是 llm.Provider 的模拟实现
type MockProvider struct {
	mu sync.RWMutex

	name string

	// 响应配置
	response string
	model    string
	err      error

	// Token 使用统计
	promptTokens     int
	completionTokens int

	// 调用记录
	calls        []MockProviderCall
	generateFunc func(ctx context.Context, msgs []types.Message, opts llm.Options) (*llm.Generation, error)

	// 行为控制
	delay     time.Duration
	failAfter int // 在第 N 次调用后失败
	callCount int
}

// MockProviderCall 记录单次调用
type MockProviderCall struct {
	Messages   []types.Message
	Options    llm.Options
	Generation *llm.Generation
	Error      error
}

// --- 构造函数和 Builder 方法 ---

// NewMockProvider 创建名为 name 的 MockProvider
func NewMockProvider(name string) *MockProvider {
	return &MockProvider{
		name:             name,
		response:         "mock response from " + name,
		model:            name + "-model",
		promptTokens:     10,
		completionTokens: 20,
	}
}

// WithResponse 设置固定响应内容
func (m *MockProvider) WithResponse(response string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.response = response
	return m
}

// WithModel 设置响应中的模型名
func (m *MockProvider) WithModel(model string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.model = model
	return m
}

// WithError 设置返回错误
func (m *MockProvider) WithError(err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithTokenUsage 设置 Token 使用量
func (m *MockProvider) WithTokenUsage(prompt, completion int) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.promptTokens = prompt
	m.completionTokens = completion
	return m
}

// WithDelay 设置响应延迟，延迟期间尊重 ctx 取消
func (m *MockProvider) WithDelay(d time.Duration) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithFailAfter 设置在第 N 次调用后失败
func (m *MockProvider) WithFailAfter(n int) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAfter = n
	return m
}

// WithGenerateFunc 设置自定义 Generate 函数
func (m *MockProvider) WithGenerateFunc(fn func(ctx context.Context, msgs []types.Message, opts llm.Options) (*llm.Generation, error)) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generateFunc = fn
	return m
}

// --- Provider 接口实现 ---

// Name 返回 Provider 名称
func (m *MockProvider) Name() string {
	return m.name
}

// Generate 生成响应
func (m *MockProvider) Generate(ctx context.Context, msgs []types.Message, opts llm.Options) (*llm.Generation, error) {
	m.mu.Lock()
	m.callCount++
	delay := m.delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			m.record(msgs, opts, nil, ctx.Err())
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	m.mu.RLock()
	fn := m.generateFunc
	failed := m.failAfter > 0 && m.callCount > m.failAfter
	err := m.err
	gen := &llm.Generation{
		Text:  m.response,
		Model: m.model,
		Usage: types.TokenUsage{
			PromptTokens:     m.promptTokens,
			CompletionTokens: m.completionTokens,
			TotalTokens:      m.promptTokens + m.completionTokens,
		},
	}
	m.mu.RUnlock()

	switch {
	case failed:
		err = errors.New("mock provider: configured to fail after N calls")
		gen = nil
	case err != nil:
		gen = nil
	case fn != nil:
		gen, err = fn(ctx, msgs, opts)
	}
	m.record(msgs, opts, gen, err)
	return gen, err
}

func (m *MockProvider) record(msgs []types.Message, opts llm.Options, gen *llm.Generation, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockProviderCall{
		Messages:   append([]types.Message(nil), msgs...),
		Options:    opts,
		Generation: gen,
		Error:      err,
	})
}

// --- 调用记录查询 ---

// Calls 返回所有调用记录
func (m *MockProvider) Calls() []MockProviderCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]MockProviderCall(nil), m.calls...)
}

// CallCount 返回调用次数
func (m *MockProvider) CallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.callCount
}

// LastCall 返回最后一次调用，无调用时返回 nil
func (m *MockProvider) LastCall() *MockProviderCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.calls) == 0 {
		return nil
	}
	c := m.calls[len(m.calls)-1]
	return &c
}

// Reset 清空调用记录与错误配置
func (m *MockProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.callCount = 0
	m.err = nil
}

// --- 预设工厂 ---

// NewSuccessProvider 创建总是成功的 Provider
func NewSuccessProvider(name, response string) *MockProvider {
	return NewMockProvider(name).WithResponse(response)
}

// NewErrorProvider 创建总是失败的 Provider
func NewErrorProvider(name string, err error) *MockProvider {
	return NewMockProvider(name).WithError(err)
}

// NewFlakyProvider 创建前 n 次成功、之后失败的 Provider
func NewFlakyProvider(name string, n int) *MockProvider {
	return NewMockProvider(name).WithFailAfter(n)
}
