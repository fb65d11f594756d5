package config

import (
	"testing"
	"time"

	"github.com/BaSui01/queenbee/decision"
	"github.com/BaSui01/queenbee/orchestrator"
	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 9091, cfg.Server.MetricsPort)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Empty(t, cfg.Server.JWTSecret, "admin routes are closed until a secret is set")

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.False(t, cfg.Telemetry.Enabled)

	assert.Equal(t, DefaultStorageConfig(), cfg.Storage)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "postgres", cfg.Database.Driver)

	// 组件默认值来自各自的包
	assert.Equal(t, decision.DefaultConfig(), cfg.Decision)
	assert.Equal(t, orchestrator.DefaultConfig().MonitorInterval, cfg.Orchestrator.MonitorInterval)
	assert.NotEmpty(t, cfg.LLM.Gateway.Pricing)
	assert.Empty(t, cfg.LLM.Providers)
}

func TestDefaultConfig_Independent(t *testing.T) {
	a, b := DefaultConfig(), DefaultConfig()
	a.Decision.CampaignBudgets["airdrop"] = 1
	a.Log.OutputPaths[0] = "stderr"

	assert.NotContains(t, b.Decision.CampaignBudgets, "airdrop")
	assert.Equal(t, "stdout", b.Log.OutputPaths[0])
}

func TestConfig_CeilingsPrefersLedger(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Ledger.Ceilings = map[string]float64{decision.ResourceBridge: 42}

	c := cfg.Ceilings()
	assert.Equal(t, 42.0, c[decision.ResourceBridge])
	assert.Equal(t, cfg.Decision.DailyCeilings[decision.ResourceLiquidity], c[decision.ResourceLiquidity])
}
