// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
//
// 所有 Record 方法都允许 nil 接收者，组件可以不注入 Collector。
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 消息总线指标
	busMessagesTotal   *prometheus.CounterVec
	busRequestDuration *prometheus.HistogramVec
	busBacklog         *prometheus.GaugeVec

	// 知识板指标
	boardPostsTotal   *prometheus.CounterVec
	boardPostsExpired prometheus.Counter
	boardSubscribers  prometheus.Gauge

	// Agent 指标
	agentsByStatus    *prometheus.GaugeVec
	agentTasksTotal   *prometheus.CounterVec
	agentTaskDuration *prometheus.HistogramVec
	agentStateChanges *prometheus.CounterVec

	// LLM 指标
	llmRequestsTotal   *prometheus.CounterVec
	llmRequestDuration *prometheus.HistogramVec
	llmTokensUsed      *prometheus.CounterVec
	llmCost            *prometheus.CounterVec
	llmFailovers       *prometheus.CounterVec
	llmProviderHealth  *prometheus.GaugeVec

	// 决策与限额指标
	ledgerReservations *prometheus.CounterVec
	ledgerUsage        *prometheus.GaugeVec
	proposalsTotal     *prometheus.CounterVec

	// 后台循环指标
	loopIterations *prometheus.CounterVec
	loopDuration   *prometheus.HistogramVec

	// Redis 连接池
	redisConns    *prometheus.GaugeVec
	redisTimeouts prometheus.Gauge

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// 消息总线指标
	c.busMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_messages_total",
			Help:      "Total number of bus message events",
		},
		[]string{"event", "priority"}, // event: sent, delivered, rejected, reply
	)
	c.busRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bus_request_duration_seconds",
			Help:      "Bus request/response round trip in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		},
		[]string{"status"},
	)
	c.busBacklog = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bus_backlog",
			Help:      "Queued messages per recipient",
		},
		[]string{"recipient"},
	)

	// 知识板指标
	c.boardPostsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "board_posts_total",
			Help:      "Total number of board posts",
		},
		[]string{"category"},
	)
	c.boardPostsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "board_posts_expired_total",
			Help:      "Total number of posts removed by the sweeper",
		},
	)
	c.boardSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "board_subscribers",
			Help:      "Active board subscriptions",
		},
	)

	// Agent 指标
	c.agentsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agents",
			Help:      "Registered agents by status",
		},
		[]string{"status"},
	)
	c.agentTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_tasks_total",
			Help:      "Total number of agent task completions",
		},
		[]string{"agent_id", "status"},
	)
	c.agentTaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_task_duration_seconds",
			Help:      "Agent task duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"agent_id"},
	)
	c.agentStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_state_transitions_total",
			Help:      "Total number of agent state transitions",
		},
		[]string{"agent_id", "from_state", "to_state"},
	)

	// LLM 指标
	c.llmRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Total number of LLM requests",
		},
		[]string{"provider", "model", "status"},
	)
	c.llmRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "LLM request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "model"},
	)
	c.llmTokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_used_total",
			Help:      "Total number of tokens used",
		},
		[]string{"provider", "model", "type"}, // type: prompt, completion
	)
	c.llmCost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_cost_total",
			Help:      "Total LLM cost in USD",
		},
		[]string{"provider", "model"},
	)
	c.llmFailovers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_failovers_total",
			Help:      "Total number of provider failovers",
		},
		[]string{"from_provider"},
	)
	c.llmProviderHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "llm_provider_health_score",
			Help:      "Provider health score between 0 and 1",
		},
		[]string{"provider"},
	)

	// 决策与限额指标
	c.ledgerReservations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_reservations_total",
			Help:      "Total number of ledger reservations",
		},
		[]string{"resource", "result"}, // result: ok, exceeded, forced, error
	)
	c.ledgerUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_usage_ratio",
			Help:      "Daily usage divided by ceiling",
		},
		[]string{"resource"},
	)
	c.proposalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proposals_total",
			Help:      "Total number of proposal status changes",
		},
		[]string{"kind", "status"},
	)

	// 后台循环指标
	c.loopIterations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_iterations_total",
			Help:      "Total number of control loop iterations",
		},
		[]string{"loop", "status"},
	)
	c.loopDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "loop_duration_seconds",
			Help:      "Control loop iteration duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"loop"},
	)

	// Redis 连接池
	c.redisConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "redis_pool_connections",
			Help:      "Redis pool connections by state",
		},
		[]string{"state"},
	)
	c.redisTimeouts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "redis_pool_timeouts",
			Help:      "Times a caller waited too long for a pooled Redis connection",
		},
	)

	// 数据库指标
	c.dbConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)
	c.dbConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// =============================================================================
// 📨 消息总线指标记录
// =============================================================================

// RecordBusMessage 记录总线消息事件
func (c *Collector) RecordBusMessage(event, priority string) {
	if c == nil {
		return
	}
	c.busMessagesTotal.WithLabelValues(event, priority).Inc()
}

// RecordBusRequest 记录请求/响应往返
func (c *Collector) RecordBusRequest(status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.busRequestDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// SetBusBacklog 记录某个收件人的积压消息数
func (c *Collector) SetBusBacklog(recipient string, queued int) {
	if c == nil {
		return
	}
	c.busBacklog.WithLabelValues(recipient).Set(float64(queued))
}

// =============================================================================
// 📋 知识板指标记录
// =============================================================================

// RecordBoardPost 记录新帖子
func (c *Collector) RecordBoardPost(category string) {
	if c == nil {
		return
	}
	c.boardPostsTotal.WithLabelValues(category).Inc()
}

// RecordBoardExpired 记录清理掉的过期帖子数
func (c *Collector) RecordBoardExpired(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.boardPostsExpired.Add(float64(n))
}

// SetBoardSubscribers 记录当前订阅数
func (c *Collector) SetBoardSubscribers(n int) {
	if c == nil {
		return
	}
	c.boardSubscribers.Set(float64(n))
}

// =============================================================================
// 🐝 Agent 指标记录
// =============================================================================

// SetAgentCounts 记录各状态的 Agent 数量
func (c *Collector) SetAgentCounts(counts map[string]int) {
	if c == nil {
		return
	}
	for status, n := range counts {
		c.agentsByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// RecordAgentTask 记录 Agent 任务完成
func (c *Collector) RecordAgentTask(agentID string, success bool, duration time.Duration) {
	if c == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	c.agentTasksTotal.WithLabelValues(agentID, status).Inc()
	c.agentTaskDuration.WithLabelValues(agentID).Observe(duration.Seconds())
}

// RecordAgentStateTransition 记录 Agent 状态转换
func (c *Collector) RecordAgentStateTransition(agentID, fromState, toState string) {
	if c == nil {
		return
	}
	c.agentStateChanges.WithLabelValues(agentID, fromState, toState).Inc()
}

// =============================================================================
// 🤖 LLM 指标记录
// =============================================================================

// RecordLLMRequest 记录 LLM 请求
func (c *Collector) RecordLLMRequest(provider, model, status string, duration time.Duration, promptTokens, completionTokens int, cost float64) {
	if c == nil {
		return
	}
	c.llmRequestsTotal.WithLabelValues(provider, model, status).Inc()
	c.llmRequestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	c.llmTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	c.llmTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	c.llmCost.WithLabelValues(provider, model).Add(cost)
}

// RecordLLMFailover 记录一次故障转移
func (c *Collector) RecordLLMFailover(fromProvider string) {
	if c == nil {
		return
	}
	c.llmFailovers.WithLabelValues(fromProvider).Inc()
}

// SetProviderHealth 记录 Provider 健康分数
func (c *Collector) SetProviderHealth(provider string, score float64) {
	if c == nil {
		return
	}
	c.llmProviderHealth.WithLabelValues(provider).Set(score)
}

// =============================================================================
// ⚖️ 决策与限额指标记录
// =============================================================================

// RecordLedgerReservation 记录一次额度预留结果
func (c *Collector) RecordLedgerReservation(resource, result string) {
	if c == nil {
		return
	}
	c.ledgerReservations.WithLabelValues(resource, result).Inc()
}

// SetLedgerUsage 记录额度使用比例
func (c *Collector) SetLedgerUsage(resource string, used, ceiling float64) {
	if c == nil || ceiling <= 0 {
		return
	}
	c.ledgerUsage.WithLabelValues(resource).Set(used / ceiling)
}

// RecordProposal 记录提案状态变化
func (c *Collector) RecordProposal(kind, status string) {
	if c == nil {
		return
	}
	c.proposalsTotal.WithLabelValues(kind, status).Inc()
}

// =============================================================================
// 🔁 后台循环指标记录
// =============================================================================

// RecordLoopIteration 记录后台循环的一次迭代
func (c *Collector) RecordLoopIteration(loop string, err error, duration time.Duration) {
	if c == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.loopIterations.WithLabelValues(loop, status).Inc()
	c.loopDuration.WithLabelValues(loop).Observe(duration.Seconds())
}

// =============================================================================
// 💾 连接池指标记录
// =============================================================================

// RecordRedisPool 记录 Redis 连接池快照，timeouts 为累计值
func (c *Collector) RecordRedisPool(total, idle, stale int, timeouts uint32) {
	if c == nil {
		return
	}
	c.redisConns.WithLabelValues("total").Set(float64(total))
	c.redisConns.WithLabelValues("idle").Set(float64(idle))
	c.redisConns.WithLabelValues("stale").Set(float64(stale))
	c.redisTimeouts.Set(float64(timeouts))
}

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	if c == nil {
		return
	}
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
