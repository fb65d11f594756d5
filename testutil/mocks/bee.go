// MockBee 的 Bee 测试模拟实现。
//
// 支持按任务类型返回结果、错误注入、延迟与调用记录。
package mocks

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/BaSui01/queenbee/agent"
	"github.com/BaSui01/queenbee/agent/registry"
)

// --- MockBee 结构 ---

// MockBee 是 agent.Bee 的模拟实现
type MockBee struct {
	mu sync.Mutex

	name       string
	capability registry.Capability
	kinds      []string

	output map[string]any
	text   string
	cost   float64
	err    error
	delay  time.Duration
	panicV any
	execFn func(ctx context.Context, task agent.Task) (agent.Result, error)

	calls []agent.Task
}

// --- 构造函数和 Builder 方法 ---

// NewMockBee 创建新的 MockBee，默认为确定性 Bee 且接受任意任务
func NewMockBee(name string, kinds ...string) *MockBee {
	return &MockBee{
		name:       name,
		capability: registry.CapabilityDeterministic,
		kinds:      kinds,
		text:       "done by " + name,
	}
}

// WithCapability 设置能力类型
func (m *MockBee) WithCapability(c registry.Capability) *MockBee {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capability = c
	return m
}

// WithOutput 设置返回的结构化输出
func (m *MockBee) WithOutput(out map[string]any) *MockBee {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.output = out
	return m
}

// WithText 设置返回文本
func (m *MockBee) WithText(text string) *MockBee {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.text = text
	return m
}

// WithCost 设置返回成本
func (m *MockBee) WithCost(cost float64) *MockBee {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cost = cost
	return m
}

// WithError 设置返回错误
func (m *MockBee) WithError(err error) *MockBee {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithDelay 设置执行延迟，延迟期间响应 ctx 取消
func (m *MockBee) WithDelay(d time.Duration) *MockBee {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithPanic 让 Execute 以给定值 panic
func (m *MockBee) WithPanic(v any) *MockBee {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.panicV = v
	return m
}

// WithExecuteFunc 设置自定义执行函数，覆盖其他设置
func (m *MockBee) WithExecuteFunc(fn func(ctx context.Context, task agent.Task) (agent.Result, error)) *MockBee {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execFn = fn
	return m
}

// --- agent.Bee 接口实现 ---

func (m *MockBee) Name() string { return m.name }

func (m *MockBee) Capability() registry.Capability {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capability
}

func (m *MockBee) Kinds() []string { return slices.Clone(m.kinds) }

func (m *MockBee) Supports(kind string) bool {
	return len(m.kinds) == 0 || slices.Contains(m.kinds, kind)
}

// Execute 执行任务并记录调用
func (m *MockBee) Execute(ctx context.Context, task agent.Task) (agent.Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, task)
	fn, delay, panicV := m.execFn, m.delay, m.panicV
	res := agent.Result{TaskID: task.ID, Bee: m.name, Output: m.output, Text: m.text, Cost: m.cost}
	err := m.err
	m.mu.Unlock()

	if panicV != nil {
		panic(panicV)
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return res, ctx.Err()
		}
	}
	if fn != nil {
		return fn(ctx, task)
	}
	return res, err
}

// --- 查询方法 ---

// Calls 返回收到的全部任务
func (m *MockBee) Calls() []agent.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

// CallCount 返回调用次数
func (m *MockBee) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Reset 清空调用记录
func (m *MockBee) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}
