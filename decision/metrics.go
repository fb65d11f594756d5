package decision

import "time"

// PoolMetrics describes one tracked liquidity pool.
type PoolMetrics struct {
	Name    string `json:"name" yaml:"name"`
	Address string `json:"address,omitempty" yaml:"address"`
	// Ratio is the current token ratio, TargetRatio the optimal one.
	Ratio       float64 `json:"ratio" yaml:"ratio"`
	TargetRatio float64 `json:"target_ratio" yaml:"target_ratio"`
	// Slippage is the price impact of the reference trade, 0.02 = 2%.
	Slippage      float64 `json:"slippage" yaml:"slippage"`
	LiquidityUSD  float64 `json:"liquidity_usd" yaml:"liquidity_usd"`
	Volume24h     float64 `json:"volume_24h" yaml:"volume_24h"`
	CurrentAmount float64 `json:"current_amount" yaml:"current_amount"`
	TargetAmount  float64 `json:"target_amount" yaml:"target_amount"`
}

// Staker is a single staking position.
type Staker struct {
	Address  string  `json:"address" yaml:"address"`
	Amount   float64 `json:"amount" yaml:"amount"`
	LockDays int     `json:"lock_days" yaml:"lock_days"`
}

// StakingMetrics feeds the daily reward rule.
type StakingMetrics struct {
	TotalStaked    float64  `json:"total_staked" yaml:"total_staked"`
	TreasuryHealth float64  `json:"treasury_health" yaml:"treasury_health"`
	Stakers        []Staker `json:"stakers,omitempty" yaml:"stakers"`
}

// CampaignRequest asks to release campaign budget. Spent is what the
// campaign type has already consumed.
type CampaignRequest struct {
	Type       string  `json:"type"`
	Amount     float64 `json:"amount"`
	Spent      float64 `json:"spent"`
	Recipients int     `json:"recipients,omitempty"`
}

// BridgeRequest asks to move funds across chains.
type BridgeRequest struct {
	Operation   string  `json:"operation"`
	Amount      float64 `json:"amount"`
	TargetChain string  `json:"target_chain"`
}

// Metrics is the system state the engine evaluates on each cycle.
type Metrics struct {
	Pools       []PoolMetrics   `json:"pools" yaml:"pools"`
	Staking     *StakingMetrics `json:"staking,omitempty" yaml:"staking"`
	CollectedAt time.Time       `json:"collected_at" yaml:"-"`
}
