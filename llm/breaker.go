package llm

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CircuitState 熔断器状态
type CircuitState int

const (
	// CircuitClosed 关闭状态（正常工作）
	CircuitClosed CircuitState = iota
	// CircuitOpen 打开状态（熔断中）
	CircuitOpen
	// CircuitHalfOpen 半开状态（试探性恢复）
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	// Threshold 连续失败次数阈值
	Threshold int `json:"threshold" yaml:"threshold"`

	// ResetTimeout 从 Open 到 HalfOpen 的等待时间
	ResetTimeout time.Duration `json:"reset_timeout" yaml:"reset_timeout"`

	// HalfOpenMaxCalls 半开状态下允许的试探请求数
	HalfOpenMaxCalls int `json:"half_open_max_calls" yaml:"half_open_max_calls"`
}

// DefaultBreakerConfig 返回默认配置
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Threshold:        5,
		ResetTimeout:     60 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// ErrCircuitOpen 熔断器打开时返回
var ErrCircuitOpen = errors.New("circuit breaker is open")

// breaker 每个 Provider 一个，由 Gateway 在调用前后驱动
type breaker struct {
	config BreakerConfig
	now    func() time.Time
	logger *zap.Logger

	mu              sync.Mutex
	state           CircuitState
	failures        int
	lastFailureTime time.Time
	halfOpenCalls   int
}

func newBreaker(config BreakerConfig, now func() time.Time, logger *zap.Logger) *breaker {
	def := DefaultBreakerConfig()
	if config.Threshold <= 0 {
		config.Threshold = def.Threshold
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = def.ResetTimeout
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	return &breaker{config: config, now: now, logger: logger}
}

// allow 调用前检查，必要时从 Open 进入 HalfOpen
func (b *breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitOpen:
		if b.now().Sub(b.lastFailureTime) < b.config.ResetTimeout {
			return ErrCircuitOpen
		}
		b.state = CircuitHalfOpen
		b.halfOpenCalls = 0
		b.logger.Info("circuit half-open")
		fallthrough
	case CircuitHalfOpen:
		if b.halfOpenCalls >= b.config.HalfOpenMaxCalls {
			return ErrCircuitOpen
		}
		b.halfOpenCalls++
	}
	return nil
}

func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitHalfOpen {
		b.logger.Info("circuit closed")
	}
	b.state = CircuitClosed
	b.failures = 0
	b.halfOpenCalls = 0
}

func (b *breaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailureTime = b.now()

	switch b.state {
	case CircuitClosed:
		if b.failures >= b.config.Threshold {
			b.logger.Warn("circuit opened",
				zap.Int("failure_count", b.failures),
				zap.Int("threshold", b.config.Threshold),
			)
			b.state = CircuitOpen
		}
	case CircuitHalfOpen:
		b.logger.Warn("circuit re-opened after half-open failure")
		b.state = CircuitOpen
		b.halfOpenCalls = 0
	}
}

// current 返回当前状态，Open 且已过恢复期时报告 HalfOpen
func (b *breaker) current() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitOpen && b.now().Sub(b.lastFailureTime) >= b.config.ResetTimeout {
		return CircuitHalfOpen
	}
	return b.state
}

func (b *breaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = CircuitClosed
	b.failures = 0
	b.halfOpenCalls = 0
}
