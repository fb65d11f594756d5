package llm

import (
	"sync"
	"time"
)

// HealthConfig controls provider health scoring.
type HealthConfig struct {
	// Window is how far back outcomes count towards the score.
	Window time.Duration `json:"window" yaml:"window"`

	// MaxSamples caps the outcomes kept per provider.
	MaxSamples int `json:"max_samples" yaml:"max_samples"`

	// HealthyScore is the minimum score reported as healthy.
	HealthyScore float64 `json:"healthy_score" yaml:"healthy_score"`
}

// DefaultHealthConfig returns the health defaults.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		Window:       5 * time.Minute,
		MaxSamples:   100,
		HealthyScore: 0.5,
	}
}

type outcome struct {
	at      time.Time
	ok      bool
	latency time.Duration
}

// providerHealth tracks recent outcomes of a single provider.
type providerHealth struct {
	mu       sync.Mutex
	samples  []outcome
	requests int64
	failures int64
	cost     float64
	lastErr  string
}

func (h *providerHealth) record(o outcome, cost float64, errMsg string, cfg HealthConfig) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.samples = append(h.samples, o)
	if len(h.samples) > cfg.MaxSamples {
		h.samples = h.samples[len(h.samples)-cfg.MaxSamples:]
	}
	h.requests++
	if o.ok {
		h.cost += cost
	} else {
		h.failures++
		h.lastErr = errMsg
	}
}

func (h *providerHealth) addCost(cost float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cost += cost
}

// score 计算健康分数：
//   - 错误率 <= 1%: 1.0
//   - 错误率 1-5%: 0.8
//   - 错误率 5-10%: 0.5
//   - 错误率 > 10%: 0.2
//
// 平均延迟超过 3s 乘 0.8，超过 5s 乘 0.5。窗口内无数据时为 1.0。
func (h *providerHealth) score(now time.Time, cfg HealthConfig) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	since := now.Add(-cfg.Window)
	var total, failed int
	var latency time.Duration
	for _, s := range h.samples {
		if s.at.Before(since) {
			continue
		}
		total++
		latency += s.latency
		if !s.ok {
			failed++
		}
	}
	if total == 0 {
		return 1.0
	}

	errorRate := float64(failed) / float64(total)
	score := 1.0
	if errorRate > 0.01 {
		score = 0.8
	}
	if errorRate > 0.05 {
		score = 0.5
	}
	if errorRate > 0.10 {
		score = 0.2
	}

	avg := latency / time.Duration(total)
	switch {
	case avg > 5*time.Second:
		score *= 0.5
	case avg > 3*time.Second:
		score *= 0.8
	}
	return score
}

func (h *providerHealth) snapshot() (requests, failures int64, cost float64, lastErr string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.requests, h.failures, h.cost, h.lastErr
}
