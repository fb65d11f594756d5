package agent_test

import (
	"context"
	"errors"
	"testing"

	"github.com/BaSui01/queenbee/agent"
	"github.com/BaSui01/queenbee/agent/registry"
	"github.com/BaSui01/queenbee/llm"
	"github.com/BaSui01/queenbee/testutil"
	"github.com/BaSui01/queenbee/testutil/mocks"
	"github.com/BaSui01/queenbee/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuncBee(t *testing.T) {
	t.Parallel()

	bee := agent.NewFuncBee("pool-monitor", func(ctx context.Context, task agent.Task) (map[string]any, error) {
		return map[string]any{"pool": task.Input["pool"], "ok": true}, nil
	}, "check_pool")

	assert.Equal(t, registry.CapabilityDeterministic, bee.Capability())
	assert.True(t, bee.Supports("check_pool"))
	assert.False(t, bee.Supports("chat"))

	res, err := bee.Execute(testutil.TestContext(t), agent.Task{ID: "t1", Kind: "check_pool", Input: map[string]any{"pool": "eth"}})
	require.NoError(t, err)
	assert.Equal(t, "t1", res.TaskID)
	assert.Equal(t, "pool-monitor", res.Bee)
	assert.Equal(t, "eth", res.Output["pool"])

	d := agent.Descriptor(bee)
	assert.Equal(t, "pool-monitor", d.ID)
	assert.Equal(t, []string{"check_pool"}, d.Kinds)
}

func TestFuncBee_AcceptsAnyKindWhenUnrestricted(t *testing.T) {
	t.Parallel()

	bee := agent.NewFuncBee("any", func(context.Context, agent.Task) (map[string]any, error) { return nil, nil })
	assert.True(t, bee.Supports("whatever"))
	assert.Empty(t, agent.Descriptor(bee).Kinds)
}

func newGateway(t *testing.T, providers ...llm.Provider) *llm.Gateway {
	t.Helper()
	cfg := llm.DefaultConfig()
	cfg.SystemPrompt = "sys"
	gw, err := llm.New(cfg, providers, llm.NewMemorySessionStore(), nil)
	require.NoError(t, err)
	return gw
}

func TestLLMBee_Execute(t *testing.T) {
	t.Parallel()

	p := mocks.NewMockProvider("gemini").WithResponse("pool looks fine")
	gw := newGateway(t, p)
	bee := agent.NewLLMBee("analyst", gw, llm.GenerateOptions{}, "analyze")

	assert.Equal(t, registry.CapabilityGenerative, bee.Capability())

	res, err := bee.Execute(testutil.TestContext(t), agent.Task{
		ID:    "t1",
		Kind:  "analyze",
		Input: map[string]any{"prompt": "how is the pool?", "pool": "eth"},
	})
	require.NoError(t, err)
	assert.Equal(t, "pool looks fine", res.Text)
	assert.Equal(t, "gemini", res.Output["provider"])
	assert.Positive(t, res.Cost)

	call := p.LastCall()
	require.NotNil(t, call)
	last := call.Messages[len(call.Messages)-1]
	assert.Equal(t, "how is the pool?", last.Content)
	assert.Contains(t, call.Messages[0].Content, `"pool":"eth"`)
	assert.NotContains(t, call.Messages[0].Content, "how is the pool?")

	hist, err := gw.History(testutil.TestContext(t), "bee:analyst")
	require.NoError(t, err)
	assert.Len(t, hist, 2)
}

func TestLLMBee_UsesTaskSession(t *testing.T) {
	t.Parallel()

	gw := newGateway(t, mocks.NewMockProvider("gemini"))
	bee := agent.NewLLMBee("analyst", gw, llm.GenerateOptions{})

	_, err := bee.Execute(testutil.TestContext(t), agent.Task{ID: "t1", Prompt: "hi", SessionID: "user-7"})
	require.NoError(t, err)

	hist, err := gw.History(testutil.TestContext(t), "user-7")
	require.NoError(t, err)
	assert.Len(t, hist, 2)
}

func TestLLMBee_RequiresPrompt(t *testing.T) {
	t.Parallel()

	bee := agent.NewLLMBee("analyst", newGateway(t, mocks.NewMockProvider("gemini")), llm.GenerateOptions{})
	_, err := bee.Execute(testutil.TestContext(t), agent.Task{ID: "t1", Input: map[string]any{"pool": "eth"}})
	testutil.AssertErrorCode(t, err, types.ErrInvalidRequest)
}

func TestLLMBee_PropagatesExhaustion(t *testing.T) {
	t.Parallel()

	gw := newGateway(t, mocks.NewErrorProvider("gemini", errors.New("down")))
	bee := agent.NewLLMBee("analyst", gw, llm.GenerateOptions{})
	_, err := bee.Execute(testutil.TestContext(t), agent.Task{ID: "t1", Prompt: "hi"})
	testutil.AssertErrorCode(t, err, types.ErrAllProvidersExhausted)
}
