package budget

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/queenbee/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func TestManager_AlertsOncePerDay(t *testing.T) {
	c := &clock{now: time.Date(2026, 5, 1, 23, 0, 0, 0, time.UTC)}
	m := NewManager(Config{MaxCostPerDay: 10, MaxTokensPerDay: 1000, AlertThreshold: 0.5, Now: c.Now}, zap.NewNop())

	alerts := make(chan Alert, 8)
	m.OnAlert(func(a Alert) { alerts <- a })

	m.Record(Usage{Provider: "openai", Tokens: 100, Cost: 6})
	select {
	case a := <-alerts:
		assert.Equal(t, AlertCostDay, a.Type)
		assert.InDelta(t, 0.6, a.Current, 1e-9)
	case <-time.After(time.Second):
		t.Fatal("expected cost alert")
	}

	m.Record(Usage{Tokens: 10, Cost: 1})
	select {
	case a := <-alerts:
		t.Fatalf("unexpected alert %s", a.Type)
	case <-time.After(20 * time.Millisecond):
	}

	st := m.Status()
	assert.Equal(t, "2026-05-01", st.Day)
	assert.Equal(t, int64(110), st.TokensUsed)
	assert.Equal(t, int64(2), st.Requests)

	c.set(time.Date(2026, 5, 2, 0, 0, 1, 0, time.UTC))
	st = m.Status()
	assert.Equal(t, "2026-05-02", st.Day)
	assert.Zero(t, st.CostUsed)
}

func TestManager_CheckEnforce(t *testing.T) {
	ctx := context.Background()

	soft := NewManager(Config{MaxCostPerDay: 1}, nil)
	soft.Record(Usage{Cost: 5})
	assert.NoError(t, soft.Check(ctx, 10, 1))

	hard := NewManager(Config{MaxCostPerDay: 1, MaxCostPerRequest: 0.5, MaxTokensPerDay: 100, Enforce: true}, nil)
	require.NoError(t, hard.Check(ctx, 10, 0.1))

	err := hard.Check(ctx, 10, 0.6)
	assert.True(t, types.IsCode(err, types.ErrRateLimitExceeded))

	err = hard.Check(ctx, 101, 0.1)
	assert.True(t, types.IsCode(err, types.ErrRateLimitExceeded))

	hard.Record(Usage{Cost: 0.95})
	err = hard.Check(ctx, 1, 0.1)
	assert.True(t, types.IsCode(err, types.ErrRateLimitExceeded))

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, hard.Check(canceled, 1, 0), context.Canceled)
}
