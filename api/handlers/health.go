package handlers

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/BaSui01/queenbee/orchestrator"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Readiness states.
const (
	ReadyOK       = "ready"
	ReadyDegraded = "degraded"
	ReadyFailed   = "unready"
)

// CheckFunc 一项依赖探测，返回 nil 表示可用。
type CheckFunc func(ctx context.Context) error

type probe struct {
	name     string
	check    CheckFunc
	optional bool
}

// HealthHandler 存活、就绪、版本与 Queen 状态接口。
//
// 就绪检查并发执行，每项受 CheckTimeout 约束。必需项失败返回 503，
// 可选项（缓存、文档库）失败只把状态降为 degraded。
type HealthHandler struct {
	logger *zap.Logger

	mu     sync.RWMutex
	probes []probe

	CheckTimeout time.Duration
}

// ReadinessReport /readyz 的响应体。
type ReadinessReport struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult 单项结果。
type CheckResult struct {
	Pass     bool   `json:"pass"`
	Optional bool   `json:"optional,omitempty"`
	Error    string `json:"error,omitempty"`
	Latency  string `json:"latency"`
}

func NewHealthHandler(logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{
		logger:       logger.With(zap.String("component", "health")),
		CheckTimeout: 3 * time.Second,
	}
}

// AddCheck 注册必需依赖。
func (h *HealthHandler) AddCheck(name string, check CheckFunc) {
	h.add(probe{name: name, check: check})
}

// AddOptionalCheck 注册可降级依赖。
func (h *HealthHandler) AddOptionalCheck(name string, check CheckFunc) {
	h.add(probe{name: name, check: check, optional: true})
}

func (h *HealthHandler) add(p probe) {
	h.mu.Lock()
	h.probes = append(h.probes, p)
	h.mu.Unlock()
}

// HandleHealthz 存活探针，进程能响应即可。
func (h *HealthHandler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, map[string]any{"status": "alive", "timestamp": time.Now().UTC()})
}

// HandleReady 就绪探针。
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	report := h.Ready(r.Context())
	status := http.StatusOK
	if report.Status == ReadyFailed {
		status = http.StatusServiceUnavailable
	}
	WriteSuccessStatus(w, status, report)
}

// Ready 执行全部探测。
func (h *HealthHandler) Ready(ctx context.Context) ReadinessReport {
	h.mu.RLock()
	probes := append([]probe(nil), h.probes...)
	h.mu.RUnlock()

	results := make([]CheckResult, len(probes))
	var g errgroup.Group
	for i, p := range probes {
		g.Go(func() error {
			results[i] = h.run(ctx, p)
			return nil
		})
	}
	_ = g.Wait()

	report := ReadinessReport{
		Status:    ReadyOK,
		Timestamp: time.Now().UTC(),
		Checks:    make(map[string]CheckResult, len(probes)),
	}
	for i, p := range probes {
		res := results[i]
		report.Checks[p.name] = res
		switch {
		case res.Pass:
		case p.optional:
			if report.Status == ReadyOK {
				report.Status = ReadyDegraded
			}
		default:
			report.Status = ReadyFailed
		}
	}
	return report
}

func (h *HealthHandler) run(ctx context.Context, p probe) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, h.CheckTimeout)
	defer cancel()

	start := time.Now()
	err := p.check(ctx)
	elapsed := time.Since(start)

	res := CheckResult{Pass: err == nil, Optional: p.optional, Latency: elapsed.String()}
	if err != nil {
		res.Error = err.Error()
		h.logger.Warn("readiness check failed",
			zap.String("check", p.name),
			zap.Bool("optional", p.optional),
			zap.Duration("latency", elapsed),
			zap.Error(err))
	}
	return res
}

// HandleVersion /version
func (h *HealthHandler) HandleVersion(version, buildTime, gitCommit string) http.HandlerFunc {
	info := map[string]string{"version": version, "build_time": buildTime, "git_commit": gitCommit}
	return func(w http.ResponseWriter, r *http.Request) {
		WriteSuccess(w, info)
	}
}

// HandleStatus GET /v1/status 返回监控循环最近一次快照，critical 时 503。
func (h *HealthHandler) HandleStatus(queen Queen) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := queen.Snapshot()
		status := http.StatusOK
		if snap.Status == orchestrator.HealthCritical {
			status = http.StatusServiceUnavailable
		}
		WriteSuccessStatus(w, status, snap)
	}
}

var errQueenStopped = errors.New("queen loops are not running")

// QueenCheck Queen 的循环未运行时失败。
func QueenCheck(queen Queen) CheckFunc {
	return func(context.Context) error {
		if !queen.Running() {
			return errQueenStopped
		}
		return nil
	}
}
