// =============================================================================
// 🧠 MockSessionStore - 会话存储模拟实现
// =============================================================================
// 包装 llm.MemorySessionStore，支持错误注入与调用计数
//
// 使用方法:
//
//	store := mocks.NewMockSessionStore().WithSaveError(errors.New("down"))
//	gw, _ := llm.New(cfg, providers, store, nil)
// =============================================================================
package mocks

import (
	"context"
	"sync"

	"github.com/BaSui01/queenbee/llm"
)

// MockSessionStore 是 llm.SessionStore 的模拟实现
type MockSessionStore struct {
	inner *llm.MemorySessionStore

	mu sync.RWMutex

	// 错误注入
	getErr    error
	saveErr   error
	deleteErr error

	// 调用记录
	getCalls    int
	saveCalls   int
	deleteCalls int
}

// NewMockSessionStore 创建新的 MockSessionStore
func NewMockSessionStore() *MockSessionStore {
	return &MockSessionStore{inner: llm.NewMemorySessionStore()}
}

// WithGetError 设置 Get 错误
func (m *MockSessionStore) WithGetError(err error) *MockSessionStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getErr = err
	return m
}

// WithSaveError 设置 Save 错误
func (m *MockSessionStore) WithSaveError(err error) *MockSessionStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErr = err
	return m
}

// WithDeleteError 设置 Delete 错误
func (m *MockSessionStore) WithDeleteError(err error) *MockSessionStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteErr = err
	return m
}

func (m *MockSessionStore) Get(ctx context.Context, id string) (*llm.Session, error) {
	m.mu.Lock()
	m.getCalls++
	err := m.getErr
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return m.inner.Get(ctx, id)
}

func (m *MockSessionStore) Save(ctx context.Context, s *llm.Session) error {
	m.mu.Lock()
	m.saveCalls++
	err := m.saveErr
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return m.inner.Save(ctx, s)
}

func (m *MockSessionStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	m.deleteCalls++
	err := m.deleteErr
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return m.inner.Delete(ctx, id)
}

// SaveCalls 返回 Save 调用次数
func (m *MockSessionStore) SaveCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saveCalls
}

// GetCalls 返回 Get 调用次数
func (m *MockSessionStore) GetCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getCalls
}

// DeleteCalls 返回 Delete 调用次数
func (m *MockSessionStore) DeleteCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deleteCalls
}
