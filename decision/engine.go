// Package decision 实现无状态的自治决策规则。
//
// 规则只读取输入指标并返回提案，不修改任何共享状态；
// 限额检查由 ledger 负责，审批由 approval 队列负责。
package decision

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sync/atomic"
	"time"

	"github.com/BaSui01/queenbee/internal/metrics"
	"github.com/BaSui01/queenbee/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LockTier maps a minimum lock duration to a reward multiplier.
type LockTier struct {
	MinDays    int     `json:"min_days" yaml:"min_days"`
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`
}

// Config holds every threshold used by the rules.
type Config struct {
	// DeviationThresholdBps fires a rebalance when the ratio deviation is
	// strictly greater. 1000 bps = 10%.
	DeviationThresholdBps int     `json:"deviation_threshold_bps" yaml:"deviation_threshold_bps"`
	SlippageBound         float64 `json:"slippage_bound" yaml:"slippage_bound"`
	LiquidityFloor        float64 `json:"liquidity_floor" yaml:"liquidity_floor"`
	VolumeShare           float64 `json:"volume_share" yaml:"volume_share"`
	MinLiquidityAddition  float64 `json:"min_liquidity_addition" yaml:"min_liquidity_addition"`

	BaseAPY          float64    `json:"base_apy" yaml:"base_apy"`
	HighAPY          float64    `json:"high_apy" yaml:"high_apy"`
	LowAPY           float64    `json:"low_apy" yaml:"low_apy"`
	HealthyTreasury  float64    `json:"healthy_treasury" yaml:"healthy_treasury"`
	StressedTreasury float64    `json:"stressed_treasury" yaml:"stressed_treasury"`
	LockTiers        []LockTier `json:"lock_tiers" yaml:"lock_tiers"`

	CampaignBudgets       map[string]float64 `json:"campaign_budgets" yaml:"campaign_budgets"`
	DefaultCampaignBudget float64            `json:"default_campaign_budget" yaml:"default_campaign_budget"`
	DefaultBridgeChain    string             `json:"default_bridge_chain" yaml:"default_bridge_chain"`

	// AutoExecuteCeiling marks larger proposals as requiring approval.
	AutoExecuteCeiling float64 `json:"auto_execute_ceiling" yaml:"auto_execute_ceiling"`
	// DailyCeilings seeds the rate-limit ledger per resource.
	DailyCeilings map[string]float64 `json:"daily_ceilings" yaml:"daily_ceilings"`
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		DeviationThresholdBps: 1000,
		SlippageBound:         0.02,
		LiquidityFloor:        100_000,
		VolumeShare:           0.02,
		MinLiquidityAddition:  100_000,

		BaseAPY:          0.10,
		HighAPY:          0.15,
		LowAPY:           0.08,
		HealthyTreasury:  1.5,
		StressedTreasury: 0.8,
		LockTiers: []LockTier{
			{MinDays: 180, Multiplier: 1.5},
			{MinDays: 90, Multiplier: 1.25},
			{MinDays: 30, Multiplier: 1.1},
		},

		CampaignBudgets: map[string]float64{
			"new_user_welcome":    5_000_000,
			"trading_competition": 8_000_000,
			"referral_program":    5_000_000,
			"social_engagement":   4_000_000,
			"special_events":      3_000_000,
		},
		DefaultCampaignBudget: 1_000_000,
		DefaultBridgeChain:    "solana",

		AutoExecuteCeiling: 1_000_000,
		DailyCeilings: map[string]float64{
			ResourceLiquidity: 50_000_000,
			ResourceBridge:    10_000_000,
		},
	}
}

// Engine evaluates the rules. It keeps no state besides its configuration,
// which can be swapped at runtime.
type Engine struct {
	cfg     atomic.Pointer[Config]
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Collector
}

// Option 配置 Engine
type Option func(*Engine)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMetrics records every proposal created.
func WithMetrics(c *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = c }
}

// NewEngine 创建决策引擎
func NewEngine(cfg Config, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{now: time.Now, logger: logger.With(zap.String("component", "decision_engine"))}
	for _, opt := range opts {
		opt(e)
	}
	e.UpdateConfig(cfg)
	return e
}

// Config returns the active configuration.
func (e *Engine) Config() Config {
	return *e.cfg.Load()
}

// UpdateConfig swaps the thresholds. Missing values fall back to defaults.
func (e *Engine) UpdateConfig(cfg Config) {
	def := DefaultConfig()
	if cfg.DeviationThresholdBps <= 0 {
		cfg.DeviationThresholdBps = def.DeviationThresholdBps
	}
	if cfg.SlippageBound <= 0 {
		cfg.SlippageBound = def.SlippageBound
	}
	if cfg.LiquidityFloor <= 0 {
		cfg.LiquidityFloor = def.LiquidityFloor
	}
	if cfg.VolumeShare <= 0 {
		cfg.VolumeShare = def.VolumeShare
	}
	if cfg.MinLiquidityAddition <= 0 {
		cfg.MinLiquidityAddition = def.MinLiquidityAddition
	}
	if cfg.BaseAPY <= 0 {
		cfg.BaseAPY, cfg.HighAPY, cfg.LowAPY = def.BaseAPY, def.HighAPY, def.LowAPY
	}
	if cfg.HealthyTreasury <= 0 {
		cfg.HealthyTreasury = def.HealthyTreasury
	}
	if cfg.StressedTreasury <= 0 {
		cfg.StressedTreasury = def.StressedTreasury
	}
	if len(cfg.LockTiers) == 0 {
		cfg.LockTiers = def.LockTiers
	}
	cfg.LockTiers = slices.Clone(cfg.LockTiers)
	slices.SortFunc(cfg.LockTiers, func(a, b LockTier) int { return b.MinDays - a.MinDays })
	if cfg.CampaignBudgets == nil {
		cfg.CampaignBudgets = def.CampaignBudgets
	}
	if cfg.DefaultCampaignBudget <= 0 {
		cfg.DefaultCampaignBudget = def.DefaultCampaignBudget
	}
	if cfg.DefaultBridgeChain == "" {
		cfg.DefaultBridgeChain = def.DefaultBridgeChain
	}
	if cfg.AutoExecuteCeiling <= 0 {
		cfg.AutoExecuteCeiling = def.AutoExecuteCeiling
	}
	if cfg.DailyCeilings == nil {
		cfg.DailyCeilings = def.DailyCeilings
	}
	e.cfg.Store(&cfg)
}

// Evaluate runs the pool rules over m. Invalid pools are skipped and
// reported in the joined error; valid pools still yield proposals.
func (e *Engine) Evaluate(m Metrics) ([]*Proposal, error) {
	var (
		out  []*Proposal
		errs []error
	)
	for _, pool := range m.Pools {
		p, err := e.EvaluatePool(pool)
		if err != nil {
			e.logger.Warn("discarding pool metrics", zap.String("pool", pool.Name), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		if p != nil {
			out = append(out, p)
		}
	}
	return out, errors.Join(errs...)
}

// DeviationBps is |ratio - target| / target in whole basis points. It
// saturates at math.MaxInt instead of overflowing.
func DeviationBps(ratio, target float64) int {
	d := deviation(ratio, target)
	if d >= math.MaxInt {
		return math.MaxInt
	}
	return int(d)
}

func deviation(ratio, target float64) float64 {
	return math.Round(math.Abs(ratio-target) / target * 10_000)
}

// EvaluatePool applies the rebalance rule. It returns nil when no action
// is needed.
func (e *Engine) EvaluatePool(m PoolMetrics) (*Proposal, error) {
	if err := validatePool(m); err != nil {
		return nil, err
	}
	if d := deviation(m.Ratio, m.TargetRatio); math.IsInf(d, 0) || math.IsNaN(d) {
		return nil, invalid("ratio deviation is not a finite number").
			WithDetails("pool", m.Name).
			WithDetails("ratio", m.Ratio).
			WithDetails("target_ratio", m.TargetRatio)
	}
	cfg := e.cfg.Load()

	dev := DeviationBps(m.Ratio, m.TargetRatio)
	highSlippage := m.Slippage > cfg.SlippageBound
	lowLiquidity := m.LiquidityUSD < cfg.LiquidityFloor

	var action string
	var amount float64
	switch {
	case dev > cfg.DeviationThresholdBps:
		action = "rebalance"
		amount = math.Abs(m.TargetAmount - m.CurrentAmount)
	case highSlippage || lowLiquidity:
		action = "add_liquidity"
		amount = math.Max(m.Volume24h*cfg.VolumeShare, cfg.MinLiquidityAddition)
	default:
		return nil, nil
	}

	p := e.newProposal(KindLiquidityRebalance, action, ResourceLiquidity, amount,
		fmt.Sprintf("ratio deviation %.2f%%, slippage %.2f%%, liquidity %.0f",
			float64(dev)/100, m.Slippage*100, m.LiquidityUSD))
	p.Parameters = map[string]any{
		"pool":          m.Name,
		"address":       m.Address,
		"deviation_bps": dev,
		"slippage":      m.Slippage,
		"liquidity_usd": m.LiquidityUSD,
	}
	return p, nil
}

// APY returns the annual reward rate for a treasury health value.
func (e *Engine) APY(health float64) float64 {
	cfg := e.cfg.Load()
	switch {
	case health > cfg.HealthyTreasury:
		return cfg.HighAPY
	case health < cfg.StressedTreasury:
		return cfg.LowAPY
	default:
		return cfg.BaseAPY
	}
}

// LockMultiplier returns the reward multiplier for a lock duration.
func (e *Engine) LockMultiplier(days int) float64 {
	for _, tier := range e.cfg.Load().LockTiers {
		if days >= tier.MinDays {
			return tier.Multiplier
		}
	}
	return 1.0
}

// Distribution is one staker's share of the daily rewards.
type Distribution struct {
	Address    string  `json:"address"`
	Amount     float64 `json:"amount"`
	Stake      float64 `json:"stake"`
	LockDays   int     `json:"lock_days"`
	Multiplier float64 `json:"multiplier"`
}

// EvaluateRewards computes the daily reward distribution. It returns nil
// when there is nothing to distribute.
func (e *Engine) EvaluateRewards(m StakingMetrics) (*Proposal, error) {
	if err := validateStaking(m); err != nil {
		return nil, err
	}
	apy := e.APY(m.TreasuryHealth)
	daily := apy / 365

	dist := make([]Distribution, 0, len(m.Stakers))
	total := 0.0
	for _, s := range m.Stakers {
		mult := e.LockMultiplier(s.LockDays)
		amt := s.Amount * daily * mult
		dist = append(dist, Distribution{
			Address:    s.Address,
			Amount:     amt,
			Stake:      s.Amount,
			LockDays:   s.LockDays,
			Multiplier: mult,
		})
		total += amt
	}
	if len(m.Stakers) == 0 {
		total = m.TotalStaked * daily
	}
	if total <= 0 {
		return nil, nil
	}

	p := e.newProposal(KindRewardAdjustment, "distribute_rewards", ResourceRewards, total,
		fmt.Sprintf("daily rewards at %.1f%% APY for %d stakers", apy*100, len(m.Stakers)))
	p.Parameters = map[string]any{
		"apy":             apy,
		"daily_rate":      daily,
		"treasury_health": m.TreasuryHealth,
		"distributions":   dist,
	}
	return p, nil
}

// CampaignBudget returns the total budget of a campaign type.
func (e *Engine) CampaignBudget(campaign string) float64 {
	cfg := e.cfg.Load()
	if b, ok := cfg.CampaignBudgets[campaign]; ok {
		return b
	}
	return cfg.DefaultCampaignBudget
}

// EvaluateCampaign checks the request against the remaining budget. A
// request over budget is refused with BUDGET_EXCEEDED, never clamped.
func (e *Engine) EvaluateCampaign(r CampaignRequest) (*Proposal, error) {
	if r.Type == "" {
		return nil, invalid("campaign type is required")
	}
	if r.Amount <= 0 || r.Spent < 0 || r.Recipients < 0 {
		return nil, invalid("campaign amounts must be positive").
			WithDetails("amount", r.Amount).
			WithDetails("spent", r.Spent)
	}
	budget := e.CampaignBudget(r.Type)
	remaining := budget - r.Spent
	if r.Amount > remaining {
		return nil, types.Errorf(types.ErrBudgetExceeded, "campaign %s requests %.0f but only %.0f remains", r.Type, r.Amount, math.Max(remaining, 0)).
			WithDetails("budget", budget).
			WithDetails("remaining", math.Max(remaining, 0))
	}

	p := e.newProposal(KindCampaignAllocation, "release_budget", ResourceCampaign, r.Amount,
		fmt.Sprintf("campaign %s within budget: %.0f/%.0f", r.Type, r.Spent+r.Amount, budget))
	p.Parameters = map[string]any{
		"campaign":   r.Type,
		"budget":     budget,
		"remaining":  remaining - r.Amount,
		"recipients": r.Recipients,
	}
	return p, nil
}

// EvaluateBridge builds a bridge proposal. The daily ceiling is enforced by
// the ledger at execution time.
func (e *Engine) EvaluateBridge(r BridgeRequest) (*Proposal, error) {
	if r.Amount <= 0 {
		return nil, invalid("bridge amount must be positive").WithDetails("amount", r.Amount)
	}
	op := r.Operation
	if op == "" {
		op = "transfer"
	}
	chain := r.TargetChain
	if chain == "" {
		chain = e.cfg.Load().DefaultBridgeChain
	}
	p := e.newProposal(KindBridgeTransfer, op, ResourceBridge, r.Amount,
		fmt.Sprintf("bridge %s of %.0f to %s", op, r.Amount, chain))
	p.Parameters = map[string]any{"target_chain": chain}
	return p, nil
}

// Classify returns the risk of moving amount.
func (e *Engine) Classify(amount float64) Risk {
	if amount > e.cfg.Load().AutoExecuteCeiling {
		return RiskRequiresApproval
	}
	return RiskAuto
}

func (e *Engine) newProposal(kind Kind, action, resource string, amount float64, reason string) *Proposal {
	p := &Proposal{
		ID:        uuid.New().String(),
		Kind:      kind,
		Action:    action,
		Resource:  resource,
		Amount:    amount,
		Risk:      e.Classify(amount),
		Status:    StatusProposed,
		Reason:    reason,
		CreatedAt: e.now().UTC(),
	}
	e.metrics.RecordProposal(string(kind), string(StatusProposed))
	e.logger.Info("proposal created",
		zap.String("id", p.ID),
		zap.String("kind", string(kind)),
		zap.String("action", action),
		zap.Float64("amount", amount),
		zap.String("risk", string(p.Risk)),
	)
	return p
}

func invalid(msg string) *types.Error {
	return types.NewError(types.ErrInvalidProposal, msg)
}

func validatePool(m PoolMetrics) error {
	fields := []struct {
		name string
		v    float64
	}{
		{"ratio", m.Ratio},
		{"target_ratio", m.TargetRatio},
		{"slippage", m.Slippage},
		{"liquidity_usd", m.LiquidityUSD},
		{"volume_24h", m.Volume24h},
		{"current_amount", m.CurrentAmount},
		{"target_amount", m.TargetAmount},
	}
	for _, f := range fields {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			return invalid(f.name+" is not a finite number").WithDetails("pool", m.Name)
		}
	}
	switch {
	case m.TargetRatio <= 0:
		return invalid("target ratio must be positive").WithDetails("pool", m.Name)
	case m.Ratio < 0, m.LiquidityUSD < 0, m.Volume24h < 0, m.CurrentAmount < 0, m.TargetAmount < 0:
		return invalid("pool metrics must not be negative").WithDetails("pool", m.Name)
	case m.Slippage < 0 || m.Slippage > 1:
		return invalid("slippage must be within [0, 1]").WithDetails("pool", m.Name)
	}
	return nil
}

func validateStaking(m StakingMetrics) error {
	if m.TreasuryHealth < 0 {
		return invalid("treasury health must not be negative")
	}
	if m.TotalStaked < 0 {
		return invalid("total staked must not be negative")
	}
	for _, s := range m.Stakers {
		if s.Amount < 0 || s.LockDays < 0 {
			return invalid("staker values must not be negative").WithDetails("address", s.Address)
		}
	}
	return nil
}
