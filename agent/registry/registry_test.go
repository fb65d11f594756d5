package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/queenbee/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry() (*Registry, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(Config{Now: clock.Now}, nil, zap.NewNop()), clock
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r, _ := newTestRegistry()

	a, err := r.Register(Descriptor{ID: "maths", Kinds: []string{"pool_analysis"}})
	require.NoError(t, err)
	assert.Equal(t, StatusActive, a.Status)
	assert.Equal(t, "maths", a.Name)
	assert.Equal(t, CapabilityDeterministic, a.Capability)
	assert.True(t, a.Supports("pool_analysis"))
	assert.False(t, a.Supports("bridge"))

	_, err = r.Register(Descriptor{ID: " "})
	assert.True(t, types.IsCode(err, types.ErrInvalidRequest))
	_, err = r.Register(Descriptor{ID: "x", Capability: "psychic"})
	assert.True(t, types.IsCode(err, types.ErrInvalidRequest))

	_, err = r.Get("ghost")
	assert.True(t, types.IsCode(err, types.ErrNotFound))
}

func TestRegistry_StaleHeartbeatReportedIdle(t *testing.T) {
	r, clock := newTestRegistry()
	_, err := r.Register(Descriptor{ID: "data"})
	require.NoError(t, err)

	clock.Advance(10 * time.Second)
	a, _ := r.Get("data")
	assert.Equal(t, StatusActive, a.Status, "exactly at the window is still active")

	clock.Advance(time.Millisecond)
	a, _ = r.Get("data")
	assert.Equal(t, StatusIdle, a.Status)
	assert.Empty(t, r.List(Filter{Status: StatusActive}))
	assert.Len(t, r.List(Filter{Status: StatusIdle}), 1)
	assert.True(t, r.Dispatchable("data"))

	require.NoError(t, r.Heartbeat("data", ""))
	a, _ = r.Get("data")
	assert.Equal(t, StatusActive, a.Status)
}

func TestRegistry_StaleAgentsExcludedFromActive(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		r, clock := newTestRegistry()
		n := rapid.IntRange(1, 20).Draw(rt, "agents")
		ages := make(map[string]time.Duration, n)
		for i := range n {
			id := fmt.Sprintf("bee-%d", i)
			_, err := r.Register(Descriptor{ID: id})
			require.NoError(rt, err)
			ages[id] = 0
		}

		steps := rapid.IntRange(1, 30).Draw(rt, "steps")
		for range steps {
			d := time.Duration(rapid.IntRange(0, 8000).Draw(rt, "advance_ms")) * time.Millisecond
			clock.Advance(d)
			for id := range ages {
				ages[id] += d
			}
			if rapid.Bool().Draw(rt, "beat") {
				id := fmt.Sprintf("bee-%d", rapid.IntRange(0, n-1).Draw(rt, "who"))
				require.NoError(rt, r.Heartbeat(id, ""))
				ages[id] = 0
			}
			if rapid.Bool().Draw(rt, "sweep") {
				r.Sweep()
			}
		}

		active := r.List(Filter{Status: StatusActive})
		for _, a := range active {
			assert.LessOrEqual(rt, ages[a.ID], 10*time.Second, "agent %s is stale", a.ID)
		}
		for id, age := range ages {
			if age <= 10*time.Second {
				a, err := r.Get(id)
				require.NoError(rt, err)
				assert.Equal(rt, StatusActive, a.Status)
			}
		}
	})
}

func TestRegistry_ErrorThresholdAndReset(t *testing.T) {
	r, _ := newTestRegistry()
	_, err := r.Register(Descriptor{ID: "bridge"})
	require.NoError(t, err)

	require.NoError(t, r.RecordTask("bridge", false, "rpc down", time.Second))
	require.NoError(t, r.RecordTask("bridge", false, "rpc down", time.Second))
	assert.True(t, r.Dispatchable("bridge"))

	// a success resets the streak
	require.NoError(t, r.RecordTask("bridge", true, "", time.Second))
	for range 3 {
		require.NoError(t, r.RecordTask("bridge", false, "rpc down", time.Second))
	}

	a, _ := r.Get("bridge")
	assert.Equal(t, StatusError, a.Status)
	assert.Equal(t, "rpc down", a.LastError)
	assert.Equal(t, int64(6), a.TasksAttempted)
	assert.Equal(t, int64(1), a.TasksSucceeded)
	assert.InDelta(t, 1.0/6, a.SuccessRate(), 1e-9)
	assert.Equal(t, time.Second, a.AverageDuration())
	assert.False(t, r.Dispatchable("bridge"))

	// heartbeats do not clear the error state
	require.NoError(t, r.Heartbeat("bridge", StatusActive))
	assert.False(t, r.Dispatchable("bridge"))

	require.NoError(t, r.Reset("bridge"))
	a, _ = r.Get("bridge")
	assert.Equal(t, StatusActive, a.Status)
	assert.Zero(t, a.ConsecutiveFailures)
	assert.True(t, r.Dispatchable("bridge"))
}

func TestRegistry_DeregisterKeepsRecord(t *testing.T) {
	r, _ := newTestRegistry()
	_, err := r.Register(Descriptor{ID: "security"})
	require.NoError(t, err)
	require.NoError(t, r.RecordTask("security", true, "", time.Millisecond))

	require.NoError(t, r.Deregister("security"))
	a, err := r.Get("security")
	require.NoError(t, err)
	assert.Equal(t, StatusUnregistered, a.Status)
	assert.False(t, r.Dispatchable("security"))

	err = r.Heartbeat("security", "")
	assert.True(t, types.IsCode(err, types.ErrAgentUnavailable))
	assert.True(t, types.IsCode(r.Reset("security"), types.ErrAgentUnavailable))
	assert.True(t, types.IsCode(r.Deregister("ghost"), types.ErrNotFound))

	// re-registration keeps counters
	a, err = r.Register(Descriptor{ID: "security"})
	require.NoError(t, err)
	assert.Equal(t, StatusActive, a.Status)
	assert.Equal(t, int64(1), a.TasksSucceeded)
}

func TestRegistry_HeartbeatValidation(t *testing.T) {
	r, _ := newTestRegistry()
	_, err := r.Register(Descriptor{ID: "a"})
	require.NoError(t, err)

	assert.True(t, types.IsCode(r.Heartbeat("a", StatusUnregistered), types.ErrInvalidRequest))
	assert.True(t, types.IsCode(r.Heartbeat("ghost", ""), types.ErrNotFound))

	require.NoError(t, r.Heartbeat("a", StatusIdle))
	a, _ := r.Get("a")
	assert.Equal(t, StatusIdle, a.Status)
}

func TestRegistry_SweepAndCounts(t *testing.T) {
	r, clock := newTestRegistry()
	for _, id := range []string{"a", "b", "c"} {
		_, err := r.Register(Descriptor{ID: id, Capability: CapabilityGenerative})
		require.NoError(t, err)
	}
	require.NoError(t, r.Deregister("c"))

	clock.Advance(11 * time.Second)
	require.NoError(t, r.Heartbeat("b", ""))

	assert.Equal(t, 1, r.Sweep())
	assert.Zero(t, r.Sweep())

	counts := r.Counts()
	assert.Equal(t, 1, counts[StatusActive])
	assert.Equal(t, 1, counts[StatusIdle])
	assert.Equal(t, 1, counts[StatusUnregistered])
	assert.Len(t, r.List(Filter{Capability: CapabilityGenerative}), 3)
}

func TestRegistry_ConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	r, _ := newTestRegistry()
	_, err := r.Register(Descriptor{ID: "w"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for range 500 {
			_ = r.RecordTask("w", true, "", time.Millisecond)
		}
	}()
	go func() {
		defer wg.Done()
		for range 500 {
			a, err := r.Get("w")
			if err != nil {
				continue
			}
			assert.Equal(t, a.TasksAttempted, a.TasksSucceeded+a.TasksFailed)
		}
	}()
	wg.Wait()

	a, _ := r.Get("w")
	assert.Equal(t, int64(500), a.TasksAttempted)
}

func TestRegistry_RunStopsOnCancel(t *testing.T) {
	r := New(Config{SweepInterval: time.Millisecond}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
