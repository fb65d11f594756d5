package llm_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/queenbee/llm"
	"github.com/BaSui01/queenbee/llm/budget"
	"github.com/BaSui01/queenbee/testutil"
	"github.com/BaSui01/queenbee/testutil/mocks"
	"github.com/BaSui01/queenbee/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newGateway(t *testing.T, cfg llm.Config, providers ...llm.Provider) *llm.Gateway {
	t.Helper()
	g, err := llm.New(cfg, providers, nil, nil)
	require.NoError(t, err)
	return g
}

func TestNew_Validation(t *testing.T) {
	_, err := llm.New(llm.Config{}, nil, nil, nil)
	testutil.AssertErrorCode(t, err, types.ErrInvalidRequest)

	_, err = llm.New(llm.Config{Default: "ghost"}, []llm.Provider{mocks.NewMockProvider("a")}, nil, nil)
	testutil.AssertErrorCode(t, err, types.ErrProviderNotFound)

	_, err = llm.New(llm.Config{}, []llm.Provider{mocks.NewMockProvider("a"), mocks.NewMockProvider("a")}, nil, nil)
	testutil.AssertErrorCode(t, err, types.ErrInvalidRequest)
}

func TestGateway_OrderAndDefault(t *testing.T) {
	g := newGateway(t, llm.Config{Order: []string{"b", "ghost"}},
		mocks.NewMockProvider("c"), mocks.NewMockProvider("a"), mocks.NewMockProvider("b"))

	assert.Equal(t, "b", g.ActiveProvider())

	var names []string
	for _, st := range g.ListProviders() {
		names = append(names, st.Name)
	}
	assert.Equal(t, []string{"b", "a", "c"}, names)
}

func TestGateway_FailoverRecordsHealthAndKeepsOnlySuccessfulExchange(t *testing.T) {
	ctx := testutil.TestContext(t)
	p1 := mocks.NewErrorProvider("p1", errors.New("upstream 503"))
	p2 := mocks.NewSuccessProvider("p2", "hello from p2")
	g := newGateway(t, llm.Config{Order: []string{"p1", "p2"}}, p1, p2)

	res, err := g.Generate(ctx, "s1", "hi", llm.GenerateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "p2", res.Provider)
	assert.Equal(t, "hello from p2", res.Text)
	assert.True(t, res.FailedOver)
	assert.Equal(t, 2, res.Attempts)

	statuses := g.ListProviders()
	require.Len(t, statuses, 2)
	assert.Equal(t, "p1", statuses[0].Name)
	assert.Less(t, statuses[0].Score, 1.0)
	assert.False(t, statuses[0].Healthy)
	assert.EqualValues(t, 1, statuses[0].Failures)
	assert.Contains(t, statuses[0].LastError, "upstream 503")
	assert.InDelta(t, 1.0, statuses[1].Score, 1e-9)
	assert.True(t, statuses[0].Active)
	assert.False(t, statuses[1].Active)

	history, err := g.History(ctx, "s1")
	require.NoError(t, err)
	testutil.AssertMessagesEqual(t, []types.Message{
		{Role: types.RoleUser, Content: "hi"},
		{Role: types.RoleAssistant, Content: "hello from p2"},
	}, history)
	assert.Equal(t, "p2", history[1].Provider)
}

func TestGateway_AllProvidersExhaustedLeavesSessionUnchanged(t *testing.T) {
	ctx := testutil.TestContext(t)
	p1 := mocks.NewMockProvider("p1").WithResponse("first")
	p2 := mocks.NewMockProvider("p2")
	g := newGateway(t, llm.Config{Order: []string{"p1", "p2"}}, p1, p2)

	_, err := g.Generate(ctx, "s1", "one", llm.GenerateOptions{})
	require.NoError(t, err)
	before, err := g.History(ctx, "s1")
	require.NoError(t, err)

	p1.WithError(errors.New("down"))
	p2.WithError(errors.New("down too"))

	_, err = g.Generate(ctx, "s1", "two", llm.GenerateOptions{})
	testutil.AssertErrorCode(t, err, types.ErrAllProvidersExhausted)
	assert.Contains(t, err.Error(), "down too")

	after, err := g.History(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Zero(t, g.CostByProvider()["p2"])
}

func TestGateway_SwitchProviderPreservesHistory(t *testing.T) {
	ctx := testutil.TestContext(t)
	p1 := mocks.NewSuccessProvider("p1", "from p1")
	p2 := mocks.NewSuccessProvider("p2", "from p2")
	g := newGateway(t, llm.Config{Order: []string{"p1", "p2"}, SystemPrompt: "sys"}, p1, p2)

	_, err := g.Generate(ctx, "s1", "first", llm.GenerateOptions{})
	require.NoError(t, err)
	prior, err := g.History(ctx, "s1")
	require.NoError(t, err)

	require.NoError(t, g.SwitchProvider("p2"))
	assert.Equal(t, "p2", g.ActiveProvider())

	res, err := g.Generate(ctx, "s1", "second", llm.GenerateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "p2", res.Provider)
	assert.False(t, res.FailedOver)

	// p2 saw the exchange produced by p1.
	call := p2.LastCall()
	require.NotNil(t, call)
	testutil.AssertMessagesEqual(t, []types.Message{
		{Role: types.RoleSystem, Content: "sys"},
		{Role: types.RoleUser, Content: "first"},
		{Role: types.RoleAssistant, Content: "from p1"},
		{Role: types.RoleUser, Content: "second"},
	}, call.Messages)

	after, err := g.History(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, after, len(prior)+2)
	assert.Equal(t, prior, after[:len(prior)])
	assert.Equal(t, "second", after[len(prior)].Content)
	assert.Equal(t, "from p2", after[len(prior)+1].Content)

	err = g.SwitchProvider("ghost")
	testutil.AssertErrorCode(t, err, types.ErrProviderNotFound)
	assert.Equal(t, "p2", g.ActiveProvider())
}

func TestGateway_SwitchProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		names := []string{"p1", "p2", "p3"}
		var providers []llm.Provider
		for _, n := range names {
			providers = append(providers, mocks.NewSuccessProvider(n, "reply from "+n))
		}
		g, err := llm.New(llm.Config{Order: names}, providers, nil, nil)
		if err != nil {
			rt.Fatal(err)
		}

		steps := rapid.IntRange(1, 20).Draw(rt, "steps")
		for i := range steps {
			if rapid.Bool().Draw(rt, "switch") {
				if err := g.SwitchProvider(rapid.SampledFrom(names).Draw(rt, "to")); err != nil {
					rt.Fatal(err)
				}
			}
			prior, _ := g.History(ctx, "s")
			prompt := fmt.Sprintf("prompt %d", i)
			res, err := g.Generate(ctx, "s", prompt, llm.GenerateOptions{})
			if err != nil {
				rt.Fatal(err)
			}
			if res.Provider != g.ActiveProvider() {
				rt.Fatalf("served by %s, active %s", res.Provider, g.ActiveProvider())
			}
			after, _ := g.History(ctx, "s")
			if len(after) != len(prior)+2 {
				rt.Fatalf("history grew from %d to %d", len(prior), len(after))
			}
			for j := range prior {
				if prior[j] != after[j] {
					rt.Fatalf("history entry %d changed", j)
				}
			}
			if after[len(prior)].Content != prompt || after[len(prior)+1].Content != res.Text {
				rt.Fatalf("unexpected new exchange %+v", after[len(prior):])
			}
		}
	})
}

func TestGateway_ContextWindowAndTrim(t *testing.T) {
	ctx := testutil.TestContext(t)
	p := mocks.NewMockProvider("p")
	g := newGateway(t, llm.Config{ContextExchanges: 2, MaxExchanges: 3, SystemPrompt: "sys"}, p)

	for i := range 5 {
		_, err := g.Generate(ctx, "s", fmt.Sprintf("q%d", i), llm.GenerateOptions{})
		require.NoError(t, err)
	}

	// system + 2 exchanges + prompt
	last := p.LastCall()
	require.Len(t, last.Messages, 6)
	assert.Equal(t, "q2", last.Messages[1].Content)
	assert.Equal(t, "q4", last.Messages[5].Content)

	history, err := g.History(ctx, "s")
	require.NoError(t, err)
	require.Len(t, history, 6)
	assert.Equal(t, "q2", history[0].Content)
}

func TestGateway_RequestedProviderFirst(t *testing.T) {
	ctx := testutil.TestContext(t)
	p1 := mocks.NewMockProvider("p1")
	p2 := mocks.NewMockProvider("p2")
	g := newGateway(t, llm.Config{
		Order:  []string{"p1", "p2"},
		Models: map[string]string{"p1": "m1", "p2": "m2"},
	}, p1, p2)

	temp := 0.1
	res, err := g.Generate(ctx, "", "hi", llm.GenerateOptions{Provider: "p2", Model: "custom", Temperature: &temp, MaxTokens: 42})
	require.NoError(t, err)
	assert.Equal(t, "p2", res.Provider)
	assert.Zero(t, p1.CallCount())
	assert.Equal(t, llm.Options{Model: "custom", Temperature: 0.1, MaxTokens: 42}, p2.LastCall().Options)

	_, err = g.Generate(ctx, "", "hi", llm.GenerateOptions{Provider: "ghost"})
	testutil.AssertErrorCode(t, err, types.ErrProviderNotFound)

	// the requested model does not follow a failover
	p2.WithError(errors.New("boom"))
	res, err = g.Generate(ctx, "", "hi", llm.GenerateOptions{Provider: "p2", Model: "custom"})
	require.NoError(t, err)
	assert.Equal(t, "p1", res.Provider)
	assert.Equal(t, "m1", p1.LastCall().Options.Model)
}

func TestGateway_OpenCircuitIsSkipped(t *testing.T) {
	ctx := testutil.TestContext(t)
	clock := testutil.NewClock(time.Now())
	p1 := mocks.NewErrorProvider("p1", errors.New("down"))
	p2 := mocks.NewMockProvider("p2")
	g := newGateway(t, llm.Config{
		Order:   []string{"p1", "p2"},
		Breaker: llm.BreakerConfig{Threshold: 2, ResetTimeout: time.Minute},
		Now:     clock.Now,
	}, p1, p2)

	for range 3 {
		_, err := g.Generate(ctx, "", "hi", llm.GenerateOptions{})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, p1.CallCount())
	assert.Equal(t, "open", g.ListProviders()[0].Circuit)

	clock.Advance(time.Minute)
	assert.Equal(t, "half_open", g.ListProviders()[0].Circuit)

	p1.WithError(nil)
	res, err := g.Generate(ctx, "", "hi", llm.GenerateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "p1", res.Provider)
	assert.Equal(t, "closed", g.ListProviders()[0].Circuit)
}

func TestGateway_ResetProvider(t *testing.T) {
	ctx := testutil.TestContext(t)
	p1 := mocks.NewErrorProvider("p1", errors.New("down"))
	g := newGateway(t, llm.Config{Order: []string{"p1", "p2"}, Breaker: llm.BreakerConfig{Threshold: 1}},
		p1, mocks.NewMockProvider("p2"))

	_, err := g.Generate(ctx, "", "hi", llm.GenerateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "open", g.ListProviders()[0].Circuit)

	require.NoError(t, g.ResetProvider("p1"))
	assert.Equal(t, "closed", g.ListProviders()[0].Circuit)
	testutil.AssertErrorCode(t, g.ResetProvider("ghost"), types.ErrProviderNotFound)
}

func TestGateway_AttemptTimeout(t *testing.T) {
	ctx := testutil.TestContext(t)
	slow := mocks.NewMockProvider("slow").WithDelay(time.Second)
	g := newGateway(t, llm.Config{Order: []string{"slow", "fast"}, AttemptTimeout: 20 * time.Millisecond},
		slow, mocks.NewMockProvider("fast"))

	res, err := g.Generate(ctx, "", "hi", llm.GenerateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "fast", res.Provider)
	assert.Contains(t, g.ListProviders()[0].LastError, string(types.ErrTimeout))
}

func TestGateway_CallerCancellation(t *testing.T) {
	slow := mocks.NewMockProvider("slow").WithDelay(time.Second)
	g := newGateway(t, llm.Config{Order: []string{"slow", "other"}}, slow, mocks.NewMockProvider("other"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := g.Generate(ctx, "s", "hi", llm.GenerateOptions{})
	testutil.AssertErrorCode(t, err, types.ErrTimeout)

	history, err := g.History(context.Background(), "s")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestGateway_CostAccounting(t *testing.T) {
	ctx := testutil.TestContext(t)
	a := mocks.NewMockProvider("anthropic").WithTokenUsage(1_000_000, 1_000_000)
	o := mocks.NewMockProvider("custom").WithTokenUsage(1_000_000, 0)
	g := newGateway(t, llm.Config{
		Order:   []string{"anthropic", "custom"},
		Pricing: llm.Pricing{"custom": {Input: 2, Output: 4}},
	}, a, o)

	res, err := g.Generate(ctx, "s", "hi", llm.GenerateOptions{})
	require.NoError(t, err)
	assert.InDelta(t, 18.0, res.Cost, 1e-9)
	assert.Equal(t, 2_000_000, res.Usage.TotalTokens)

	_, err = g.Generate(ctx, "s", "hi", llm.GenerateOptions{Provider: "custom"})
	require.NoError(t, err)

	assert.InDelta(t, 20.0, g.TotalCost(), 1e-9)
	assert.InDelta(t, 18.0, g.CostByProvider()["anthropic"], 1e-9)
	assert.InDelta(t, 2.0, g.CostByProvider()["custom"], 1e-9)
	for _, st := range g.ListProviders() {
		assert.InDelta(t, g.CostByProvider()[st.Name], st.Cost, 1e-9, st.Name)
	}

	s, err := g.Session(ctx, "s")
	require.NoError(t, err)
	assert.InDelta(t, 20.0, s.Cost, 1e-9)
	assert.Equal(t, "custom", s.ActiveProvider)
}

func TestGateway_EstimatesMissingUsage(t *testing.T) {
	ctx := testutil.TestContext(t)
	p := mocks.NewMockProvider("p").WithTokenUsage(0, 0).WithResponse("a reasonably long answer")
	g := newGateway(t, llm.Config{}, p)

	res, err := g.Generate(ctx, "", "what is the pool ratio today?", llm.GenerateOptions{})
	require.NoError(t, err)
	assert.Positive(t, res.Usage.PromptTokens)
	assert.Positive(t, res.Usage.CompletionTokens)
	assert.Positive(t, res.Cost)

	// 估算出的费用同样计入提供方健康统计
	providers := g.ListProviders()
	require.Len(t, providers, 1)
	assert.InDelta(t, res.Cost, providers[0].Cost, 1e-12)
	assert.InDelta(t, g.CostByProvider()["p"], providers[0].Cost, 1e-12)
}

func TestGateway_ContextRendering(t *testing.T) {
	ctx := testutil.TestContext(t)
	p := mocks.NewMockProvider("p")
	g := newGateway(t, llm.Config{SystemPrompt: "sys"}, p)

	_, err := g.Generate(ctx, "", "hi", llm.GenerateOptions{Context: map[string]any{"pool": "eth", "apy": 0.1}})
	require.NoError(t, err)
	assert.Equal(t, "sys\n\nContext: {\"apy\":0.1,\"pool\":\"eth\"}", p.LastCall().Messages[0].Content)
}

func TestGateway_SkipMemory(t *testing.T) {
	ctx := testutil.TestContext(t)
	store := mocks.NewMockSessionStore()
	g, err := llm.New(llm.Config{}, []llm.Provider{mocks.NewMockProvider("p")}, store, nil)
	require.NoError(t, err)

	_, err = g.Generate(ctx, "s", "hi", llm.GenerateOptions{SkipMemory: true})
	require.NoError(t, err)
	assert.Zero(t, store.GetCalls())
	assert.Zero(t, store.SaveCalls())
}

func TestGateway_SaveFailureSurfaces(t *testing.T) {
	ctx := testutil.TestContext(t)
	store := mocks.NewMockSessionStore().WithSaveError(errors.New("disk full"))
	g, err := llm.New(llm.Config{}, []llm.Provider{mocks.NewMockProvider("p")}, store, nil)
	require.NoError(t, err)

	_, err = g.Generate(ctx, "s", "hi", llm.GenerateOptions{})
	testutil.AssertErrorCode(t, err, types.ErrInternalError)
	assert.Zero(t, g.TotalCost())
}

func TestGateway_BudgetEnforced(t *testing.T) {
	ctx := testutil.TestContext(t)
	p := mocks.NewMockProvider("p")
	b := budget.NewManager(budget.Config{MaxTokensPerDay: 1, Enforce: true}, nil)
	g, err := llm.New(llm.Config{}, []llm.Provider{p}, nil, nil, llm.WithBudget(b))
	require.NoError(t, err)

	_, err = g.Generate(ctx, "s", "hello there", llm.GenerateOptions{})
	testutil.AssertErrorCode(t, err, types.ErrRateLimitExceeded)
	assert.Zero(t, p.CallCount())
}

func TestGateway_BudgetRecorded(t *testing.T) {
	ctx := testutil.TestContext(t)
	b := budget.NewManager(budget.DefaultConfig(), nil)
	g, err := llm.New(llm.Config{}, []llm.Provider{mocks.NewMockProvider("p")}, nil, nil, llm.WithBudget(b))
	require.NoError(t, err)

	_, err = g.Generate(ctx, "s", "hi", llm.GenerateOptions{})
	require.NoError(t, err)
	st := b.Status()
	assert.EqualValues(t, 30, st.TokensUsed)
	assert.EqualValues(t, 1, st.Requests)
}

func TestGateway_InvalidPrompt(t *testing.T) {
	g := newGateway(t, llm.Config{}, mocks.NewMockProvider("p"))
	_, err := g.Generate(testutil.TestContext(t), "s", "  ", llm.GenerateOptions{})
	testutil.AssertErrorCode(t, err, types.ErrInvalidRequest)
}

func TestGateway_SearchAndClear(t *testing.T) {
	ctx := testutil.TestContext(t)
	p := mocks.NewMockProvider("p").WithGenerateFunc(func(_ context.Context, msgs []types.Message, _ llm.Options) (*llm.Generation, error) {
		return &llm.Generation{Text: "echo: " + msgs[len(msgs)-1].Content}, nil
	})
	g := newGateway(t, llm.Config{}, p)

	for _, q := range []string{"Liquidity in ETH pool", "rewards", "eth bridge"} {
		_, err := g.Generate(ctx, "s", q, llm.GenerateOptions{})
		require.NoError(t, err)
	}

	hits, err := g.SearchSession(ctx, "s", "ETH", 10)
	require.NoError(t, err)
	assert.Len(t, hits, 4)

	hits, err = g.SearchSession(ctx, "s", "eth", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "echo: eth bridge", hits[0].Content)

	require.NoError(t, g.ClearSession(ctx, "s"))
	history, err := g.History(ctx, "s")
	require.NoError(t, err)
	assert.Empty(t, history)

	_, err = g.Session(ctx, "s")
	testutil.AssertErrorCode(t, err, types.ErrNotFound)
}

func TestGateway_ConcurrentAppendsOnOneSession(t *testing.T) {
	ctx := testutil.TestContext(t)
	g := newGateway(t, llm.Config{}, mocks.NewMockProvider("p"))

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.Generate(ctx, "s", fmt.Sprintf("q%d", i), llm.GenerateOptions{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	history, err := g.History(ctx, "s")
	require.NoError(t, err)
	require.Len(t, history, 20)
	for i := 0; i < len(history); i += 2 {
		assert.Equal(t, types.RoleUser, history[i].Role)
		assert.Equal(t, types.RoleAssistant, history[i+1].Role)
	}
}
