package config

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/queenbee/decision"
	"github.com/BaSui01/queenbee/providers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type fakeEngine struct {
	mu  sync.Mutex
	cfg *decision.Config
}

func (f *fakeEngine) UpdateConfig(c decision.Config) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg = &c
}

func (f *fakeEngine) get() *decision.Config {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg
}

type fakeCeilings struct {
	mu sync.Mutex
	m  map[string]float64
}

func (f *fakeCeilings) SetCeiling(resource string, ceiling float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m[resource] = ceiling
}

func (f *fakeCeilings) Resources() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for k := range f.m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

func newManager(t *testing.T, cfg *Config, loader *Loader) (*HotReloadManager, zap.AtomicLevel, *fakeEngine, *fakeCeilings) {
	t.Helper()
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	engine := &fakeEngine{}
	ceilings := &fakeCeilings{m: cfg.Ceilings()}
	m := NewHotReloadManager(cfg, loader,
		WithLogLevel(level),
		WithDecisionTarget(engine),
		WithCeilingTarget(ceilings),
		WithDebounce(50*time.Millisecond),
	)
	return m, level, engine, ceilings
}

func TestHotReload_AppliesReloadableFields(t *testing.T) {
	base := DefaultConfig()
	m, level, engine, ceilings := newManager(t, base, nil)
	assert.Equal(t, 1, m.Version())

	next := DefaultConfig()
	next.Log.Level = "debug"
	next.Decision.DeviationThresholdBps = 500
	next.Decision.DailyCeilings = map[string]float64{decision.ResourceBridge: 10}
	next.Server.HTTPPort = 9000
	next.Mongo.URI = "mongodb://user:pw@db"

	var seenOld, seenNew *Config
	m.OnReload(func(o, n *Config) { seenOld, seenNew = o, n })

	changes, err := m.ApplyConfig(next, "api")
	require.NoError(t, err)

	assert.Equal(t, zapcore.DebugLevel, level.Level())
	require.NotNil(t, engine.get())
	assert.Equal(t, 500, engine.get().DeviationThresholdBps)
	assert.Equal(t, 10.0, ceilings.m[decision.ResourceBridge])
	assert.Equal(t, 0.0, ceilings.m[decision.ResourceLiquidity], "removed ceilings become unlimited")

	byPath := make(map[string]ConfigChange)
	for _, c := range changes {
		byPath[c.Path] = c
		assert.Equal(t, "api", c.Source)
	}
	assert.True(t, byPath["Log.Level"].Applied)
	assert.False(t, byPath["Decision.DeviationThresholdBps"].RequiresRestart)
	assert.True(t, byPath["Server.HTTPPort"].RequiresRestart)
	assert.False(t, byPath["Server.HTTPPort"].Applied)
	assert.Equal(t, "[REDACTED]", byPath["Mongo.URI"].NewValue)

	assert.Equal(t, 2, m.Version())
	assert.Len(t, m.History(), 2)
	assert.Equal(t, "debug", m.Config().Log.Level)
	require.NotNil(t, seenNew)
	assert.Equal(t, "info", seenOld.Log.Level)
	assert.Equal(t, 9000, seenNew.Server.HTTPPort)
	assert.Len(t, m.Changes(2), 2)
}

func TestHotReload_NoChangesIsNoop(t *testing.T) {
	m, _, engine, _ := newManager(t, DefaultConfig(), nil)
	changes, err := m.ApplyConfig(DefaultConfig(), "api")
	require.NoError(t, err)
	assert.Empty(t, changes)
	assert.Nil(t, engine.get())
	assert.Equal(t, 1, m.Version())
}

func TestHotReload_RejectsInvalidUpdate(t *testing.T) {
	m, level, engine, _ := newManager(t, DefaultConfig(), nil)

	bad := DefaultConfig()
	bad.Log.Level = "debug"
	bad.Decision.SlippageBound = 2
	_, err := m.ApplyConfig(bad, "api")
	require.Error(t, err)

	bad = DefaultConfig()
	bad.Log.Level = "chatty"
	_, err = m.ApplyConfig(bad, "api")
	require.Error(t, err)

	assert.Equal(t, zapcore.InfoLevel, level.Level())
	assert.Nil(t, engine.get())
	assert.Equal(t, "info", m.Config().Log.Level)
}

func TestHotReload_CallbackPanicContained(t *testing.T) {
	m, _, _, _ := newManager(t, DefaultConfig(), nil)
	m.OnReload(func(_, _ *Config) { panic("boom") })

	next := DefaultConfig()
	next.Log.Level = "warn"
	assert.NotPanics(t, func() {
		_, err := m.ApplyConfig(next, "api")
		require.NoError(t, err)
	})
}

func TestHotReload_HistoryBounded(t *testing.T) {
	m := NewHotReloadManager(DefaultConfig(), nil, WithMaxHistorySize(3))
	for _, lvl := range []string{"debug", "warn", "error", "info", "debug"} {
		next := DefaultConfig()
		next.Log.Level = lvl
		_, err := m.ApplyConfig(next, "api")
		require.NoError(t, err)
	}
	h := m.History()
	require.Len(t, h, 3)
	assert.Equal(t, 6, h[2].Version)
	assert.Len(t, m.Changes(0), 3)
}

func TestHotReload_SanitizedConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database.Password = "pw"
	cfg.Server.JWTSecret = "jwt"
	cfg.LLM.Providers = append(cfg.LLM.Providers, providers.Config{Name: "claude", Type: providers.TypeAnthropic, APIKey: "sk-ant"})
	m := NewHotReloadManager(cfg, nil)

	out := m.SanitizedConfig()
	db := out["database"].(map[string]any)
	assert.Equal(t, "[REDACTED]", db["password"])
	assert.Equal(t, "postgres", db["driver"])
	assert.Equal(t, "[REDACTED]", out["server"].(map[string]any)["jwt_secret"])

	provs := out["llm"].(map[string]any)["providers"].([]any)
	assert.Equal(t, "[REDACTED]", provs[0].(map[string]any)["api_key"])
	assert.Equal(t, "claude", provs[0].(map[string]any)["name"])
}

func TestHotReload_ReloadsFromFile(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	path := filepath.Join(t.TempDir(), "queenbee.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: info\n"), 0o644))
	loader := NewLoader().WithConfigPath(path).WithEnvLookup(envMap(nil))
	cfg, err := loader.Load()
	require.NoError(t, err)

	m, level, engine, _ := newManager(t, cfg, loader)
	require.NoError(t, m.Start(context.Background()))
	defer func() { _ = m.Stop() }()

	// 非法内容被拒绝，保留当前配置
	require.NoError(t, os.WriteFile(path, []byte("decision:\n  slippage_bound: 5\n"), 0o644))
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, m.Version())

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: error\ndecision:\n  auto_execute_ceiling: 5000\n"), 0o644))
	require.Eventually(t, func() bool { return level.Level() == zapcore.ErrorLevel }, 3*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		c := engine.get()
		return c != nil && c.AutoExecuteCeiling == 5000
	}, time.Second, 20*time.Millisecond)
}

func TestHotReload_StartWithoutFile(t *testing.T) {
	m := NewHotReloadManager(DefaultConfig(), NewLoader())
	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Stop())
	assert.Error(t, NewHotReloadManager(DefaultConfig(), nil).ReloadFromFile())
}

func TestIsHotReloadable(t *testing.T) {
	assert.True(t, IsHotReloadable("Log.Level"))
	assert.True(t, IsHotReloadable("Decision.LockTiers"))
	assert.True(t, IsHotReloadable("Ledger.Ceilings"))
	assert.False(t, IsHotReloadable("Log.Format"))
	assert.False(t, IsHotReloadable("Server.HTTPPort"))
	assert.False(t, IsHotReloadable("DecisionX"))
}
