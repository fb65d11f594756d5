// Package budget tracks daily LLM token and cost usage and raises alerts
// when usage crosses a threshold.
package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/queenbee/types"
	"go.uber.org/zap"
)

// Config 配置每日预算
type Config struct {
	MaxTokensPerDay   int64   `json:"max_tokens_per_day" yaml:"max_tokens_per_day"`
	MaxCostPerDay     float64 `json:"max_cost_per_day" yaml:"max_cost_per_day"`
	MaxCostPerRequest float64 `json:"max_cost_per_request" yaml:"max_cost_per_request"`

	// AlertThreshold 0.0-1.0，使用率超过该值时告警
	AlertThreshold float64 `json:"alert_threshold" yaml:"alert_threshold"`

	// Enforce 为 true 时超出预算的请求被拒绝，否则只告警
	Enforce bool `json:"enforce" yaml:"enforce"`

	// Now 用于测试，默认 time.Now
	Now func() time.Time `json:"-" yaml:"-"`
}

// DefaultConfig 返回默认预算
func DefaultConfig() Config {
	return Config{
		MaxTokensPerDay:   50_000_000,
		MaxCostPerDay:     100.0,
		MaxCostPerRequest: 5.0,
		AlertThreshold:    0.8,
	}
}

// AlertType 告警类型
type AlertType string

const (
	AlertTokenDay AlertType = "token_day_threshold"
	AlertCostDay  AlertType = "cost_day_threshold"
	AlertLimitHit AlertType = "limit_hit"
)

// Alert 预算告警
type Alert struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Threshold float64   `json:"threshold"`
	Current   float64   `json:"current"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertHandler 处理预算告警
type AlertHandler func(alert Alert)

// Usage 单次使用记录
type Usage struct {
	Provider string  `json:"provider"`
	Model    string  `json:"model"`
	Tokens   int     `json:"tokens"`
	Cost     float64 `json:"cost"`
}

// Status 当前预算状态
type Status struct {
	Day              string  `json:"day"`
	TokensUsed       int64   `json:"tokens_used"`
	CostUsed         float64 `json:"cost_used"`
	TokenUtilization float64 `json:"token_utilization"`
	CostUtilization  float64 `json:"cost_utilization"`
	Requests         int64   `json:"requests"`
}

// Manager 管理每日预算，在 UTC 零点重置
type Manager struct {
	config Config
	now    func() time.Time
	logger *zap.Logger

	mu            sync.Mutex
	handlers      []AlertHandler
	day           string
	tokens        int64
	cost          float64
	requests      int64
	alertedTokens bool
	alertedCost   bool
}

// NewManager 创建预算管理器
func NewManager(config Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.AlertThreshold <= 0 || config.AlertThreshold > 1 {
		config.AlertThreshold = DefaultConfig().AlertThreshold
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		config: config,
		now:    now,
		logger: logger.With(zap.String("component", "llm_budget")),
	}
}

// OnAlert 注册告警处理器
func (m *Manager) OnAlert(handler AlertHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// Check 检查预估用量是否在预算内。未开启 Enforce 时总是放行。
func (m *Manager) Check(ctx context.Context, estimatedTokens int, estimatedCost float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !m.config.Enforce {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollLocked()

	var reason string
	switch {
	case m.config.MaxCostPerRequest > 0 && estimatedCost > m.config.MaxCostPerRequest:
		reason = fmt.Sprintf("estimated cost %.4f exceeds per-request limit %.4f", estimatedCost, m.config.MaxCostPerRequest)
	case m.config.MaxTokensPerDay > 0 && m.tokens+int64(estimatedTokens) > m.config.MaxTokensPerDay:
		reason = "would exceed daily token limit"
	case m.config.MaxCostPerDay > 0 && m.cost+estimatedCost > m.config.MaxCostPerDay:
		reason = "would exceed daily cost limit"
	default:
		return nil
	}

	m.fireLocked(Alert{
		Type:      AlertLimitHit,
		Message:   reason,
		Threshold: 1,
		Current:   m.costUtilLocked(),
		Timestamp: m.now(),
	})
	return types.NewError(types.ErrRateLimitExceeded, reason).WithRetryable(false)
}

// Record 记录一次成功调用的用量
func (m *Manager) Record(u Usage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollLocked()

	m.tokens += int64(u.Tokens)
	m.cost += u.Cost
	m.requests++

	threshold := m.config.AlertThreshold
	if util := m.tokenUtilLocked(); util >= threshold && !m.alertedTokens {
		m.alertedTokens = true
		m.fireLocked(Alert{
			Type:      AlertTokenDay,
			Message:   "Day token usage threshold exceeded",
			Threshold: threshold,
			Current:   util,
			Timestamp: m.now(),
		})
	}
	if util := m.costUtilLocked(); util >= threshold && !m.alertedCost {
		m.alertedCost = true
		m.fireLocked(Alert{
			Type:      AlertCostDay,
			Message:   "Daily cost threshold exceeded",
			Threshold: threshold,
			Current:   util,
			Timestamp: m.now(),
		})
	}
}

// Status 返回当日用量
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollLocked()
	return Status{
		Day:              m.day,
		TokensUsed:       m.tokens,
		CostUsed:         m.cost,
		TokenUtilization: m.tokenUtilLocked(),
		CostUtilization:  m.costUtilLocked(),
		Requests:         m.requests,
	}
}

// rollLocked 跨过 UTC 零点时清零计数
func (m *Manager) rollLocked() {
	day := m.now().UTC().Format(time.DateOnly)
	if day == m.day {
		return
	}
	m.day = day
	m.tokens = 0
	m.cost = 0
	m.requests = 0
	m.alertedTokens = false
	m.alertedCost = false
}

func (m *Manager) tokenUtilLocked() float64 {
	if m.config.MaxTokensPerDay <= 0 {
		return 0
	}
	return float64(m.tokens) / float64(m.config.MaxTokensPerDay)
}

func (m *Manager) costUtilLocked() float64 {
	if m.config.MaxCostPerDay <= 0 {
		return 0
	}
	return m.cost / m.config.MaxCostPerDay
}

func (m *Manager) fireLocked(alert Alert) {
	m.logger.Warn("budget alert",
		zap.String("type", string(alert.Type)),
		zap.String("message", alert.Message),
		zap.Float64("threshold", alert.Threshold),
		zap.Float64("current", alert.Current))

	for _, handler := range m.handlers {
		go handler(alert)
	}
}
