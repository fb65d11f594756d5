package agent_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/queenbee/agent"
	"github.com/BaSui01/queenbee/agent/bus"
	"github.com/BaSui01/queenbee/agent/registry"
	"github.com/BaSui01/queenbee/testutil"
	"github.com/BaSui01/queenbee/testutil/mocks"
	"github.com/BaSui01/queenbee/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

// verifyNoLeaks runs after every other cleanup, so workers are stopped first.
func verifyNoLeaks(t *testing.T) {
	t.Helper()
	opt := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, opt) })
}

type hive struct {
	bus      *bus.Bus
	registry *registry.Registry
}

func newHive(t *testing.T) *hive {
	t.Helper()
	b := bus.New(bus.DefaultConfig(), zap.NewNop())
	t.Cleanup(func() { _ = b.Close() })
	require.NoError(t, b.Register("queen"))
	return &hive{bus: b, registry: registry.New(registry.DefaultConfig(), nil, zap.NewNop())}
}

func (h *hive) start(t *testing.T, bee agent.Bee, cfg agent.WorkerConfig) *agent.Worker {
	t.Helper()
	w := agent.NewWorker(bee, h.bus, h.registry, cfg, zap.NewNop())
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { _ = w.Stop() })
	return w
}

func (h *hive) dispatch(t *testing.T, to string, task agent.Task) (agent.Result, error) {
	t.Helper()
	return agent.Dispatch(testutil.TestContext(t), h.bus, "queen", to, task, 2*time.Second)
}

func TestWorker_ExecutesAndReplies(t *testing.T) {
	verifyNoLeaks(t)

	h := newHive(t)
	bee := mocks.NewMockBee("maintainer", "rebalance").WithOutput(map[string]any{"tx": "0xabc"})
	w := h.start(t, bee, agent.WorkerConfig{})

	a, err := h.registry.Get("maintainer")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusActive, a.Status)
	assert.Equal(t, []string{"rebalance"}, a.Kinds)
	assert.True(t, h.bus.IsRegistered("maintainer"))

	res, err := h.dispatch(t, "maintainer", agent.Task{ID: "t1", Kind: "rebalance"})
	require.NoError(t, err)
	assert.Equal(t, "t1", res.TaskID)
	assert.Equal(t, "maintainer", res.Bee)
	assert.Equal(t, "0xabc", res.Output["tx"])

	a, err = h.registry.Get("maintainer")
	require.NoError(t, err)
	assert.EqualValues(t, 1, a.TasksAttempted)
	assert.EqualValues(t, 1, a.TasksSucceeded)

	require.NoError(t, w.Stop())
	assert.False(t, w.Running())
}

func TestWorker_DecodesMapPayload(t *testing.T) {
	verifyNoLeaks(t)

	h := newHive(t)
	bee := mocks.NewMockBee("maintainer")
	h.start(t, bee, agent.WorkerConfig{})

	reply, err := h.bus.Request(testutil.TestContext(t), &bus.Message{
		Sender:    "queen",
		Recipient: "maintainer",
		Type:      agent.TaskMessageType,
		Payload:   map[string]any{"id": "t9", "kind": "anything", "input": map[string]any{"n": 1}},
	}, time.Second)
	require.NoError(t, err)

	r, ok := reply.Payload.(agent.Reply)
	require.True(t, ok)
	assert.Nil(t, r.Error)
	require.Len(t, bee.Calls(), 1)
	assert.Equal(t, "t9", bee.Calls()[0].ID)
	assert.EqualValues(t, 1, bee.Calls()[0].Input["n"])
}

func TestWorker_RejectsUnsupportedKind(t *testing.T) {
	verifyNoLeaks(t)

	h := newHive(t)
	bee := mocks.NewMockBee("maintainer", "rebalance")
	h.start(t, bee, agent.WorkerConfig{})

	_, err := h.dispatch(t, "maintainer", agent.Task{ID: "t1", Kind: "chat"})
	testutil.AssertErrorCode(t, err, types.ErrInvalidRequest)
	assert.Zero(t, bee.CallCount())
}

func TestWorker_FailuresMoveAgentToError(t *testing.T) {
	verifyNoLeaks(t)

	h := newHive(t)
	bee := mocks.NewMockBee("bridge").WithError(errors.New("rpc down"))
	h.start(t, bee, agent.WorkerConfig{})

	for i := 0; i < 3; i++ {
		_, err := h.dispatch(t, "bridge", agent.Task{ID: "t"})
		testutil.AssertErrorCode(t, err, types.ErrInternalError)
	}

	a, err := h.registry.Get("bridge")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusError, a.Status)
	assert.EqualValues(t, 3, a.TasksFailed)
	assert.Equal(t, "rpc down", a.LastError)
	assert.False(t, h.registry.Dispatchable("bridge"))
}

func TestWorker_RefusesTasksInErrorState(t *testing.T) {
	verifyNoLeaks(t)

	h := newHive(t)
	bee := mocks.NewMockBee("flaky").WithError(errors.New("boom"))
	h.start(t, bee, agent.WorkerConfig{})

	for i := 0; i < 3; i++ {
		_, err := h.dispatch(t, "flaky", agent.Task{ID: "t"})
		testutil.AssertErrorCode(t, err, types.ErrInternalError)
	}
	require.Equal(t, 3, bee.CallCount())

	_, err := h.dispatch(t, "flaky", agent.Task{ID: "t4"})
	testutil.AssertErrorCode(t, err, types.ErrAgentUnavailable)
	assert.Equal(t, 3, bee.CallCount())

	a, err := h.registry.Get("flaky")
	require.NoError(t, err)
	assert.EqualValues(t, 3, a.TasksAttempted)

	require.NoError(t, h.registry.Reset("flaky"))
	bee.WithError(nil)
	_, err = h.dispatch(t, "flaky", agent.Task{ID: "t5"})
	require.NoError(t, err)
	assert.Equal(t, 4, bee.CallCount())
}

func TestWorker_TypedErrorsSurvive(t *testing.T) {
	verifyNoLeaks(t)

	h := newHive(t)
	bee := mocks.NewMockBee("treasury").WithError(types.NewError(types.ErrBudgetExceeded, "over budget"))
	h.start(t, bee, agent.WorkerConfig{})

	_, err := h.dispatch(t, "treasury", agent.Task{ID: "t"})
	testutil.AssertErrorCode(t, err, types.ErrBudgetExceeded)
}

func TestWorker_RecoversPanics(t *testing.T) {
	verifyNoLeaks(t)

	h := newHive(t)
	bee := mocks.NewMockBee("fragile").WithPanic("boom")
	h.start(t, bee, agent.WorkerConfig{})

	_, err := h.dispatch(t, "fragile", agent.Task{ID: "t1"})
	testutil.AssertErrorCode(t, err, types.ErrInternalError)

	bee.WithPanic(nil)
	_, err = h.dispatch(t, "fragile", agent.Task{ID: "t2"})
	require.NoError(t, err)
}

func TestWorker_TaskTimeout(t *testing.T) {
	verifyNoLeaks(t)

	h := newHive(t)
	bee := mocks.NewMockBee("slow").WithDelay(time.Second)
	h.start(t, bee, agent.WorkerConfig{TaskTimeout: 30 * time.Millisecond})

	_, err := h.dispatch(t, "slow", agent.Task{ID: "t1"})
	testutil.AssertErrorCode(t, err, types.ErrTimeout)
}

func TestWorker_ConcurrentTasks(t *testing.T) {
	verifyNoLeaks(t)

	h := newHive(t)
	bee := mocks.NewMockBee("parallel").WithDelay(50 * time.Millisecond)
	h.start(t, bee, agent.WorkerConfig{Concurrency: 4})

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.dispatch(t, "parallel", agent.Task{ID: "t"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 8, bee.CallCount())
}

func TestWorker_StopDeregisters(t *testing.T) {
	verifyNoLeaks(t)

	h := newHive(t)
	w := h.start(t, mocks.NewMockBee("scout"), agent.WorkerConfig{})
	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())

	a, err := h.registry.Get("scout")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusUnregistered, a.Status)
	assert.False(t, h.bus.IsRegistered("scout"))

	_, err = h.dispatch(t, "scout", agent.Task{ID: "t1"})
	testutil.AssertErrorCode(t, err, types.ErrUnknownRecipient)
}

func TestWorker_DoubleStart(t *testing.T) {
	verifyNoLeaks(t)

	h := newHive(t)
	w := h.start(t, mocks.NewMockBee("scout"), agent.WorkerConfig{})
	assert.Error(t, w.Start(context.Background()))
}

func TestWorker_Heartbeats(t *testing.T) {
	verifyNoLeaks(t)

	h := newHive(t)
	h.start(t, mocks.NewMockBee("scout"), agent.WorkerConfig{HeartbeatInterval: 10 * time.Millisecond})

	first, err := h.registry.Get("scout")
	require.NoError(t, err)
	testutil.AssertEventuallyTrue(t, func() bool {
		a, err := h.registry.Get("scout")
		return err == nil && a.LastHeartbeat.After(first.LastHeartbeat)
	}, time.Second)
}
