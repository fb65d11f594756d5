package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/queenbee/internal/metrics"
	"github.com/BaSui01/queenbee/llm/budget"
	"github.com/BaSui01/queenbee/llm/tokenizer"
	"github.com/BaSui01/queenbee/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/BaSui01/queenbee/llm"

// Config controls provider selection, memory and defaults.
type Config struct {
	// Default is the initially active provider. Empty means the first of Order.
	Default string `json:"default" yaml:"default"`

	// Order is the configured fallback order. Registered providers missing
	// from Order are appended by name.
	Order []string `json:"order" yaml:"order"`

	// ContextExchanges is how many past exchanges are sent with each prompt.
	ContextExchanges int `json:"context_exchanges" yaml:"context_exchanges"`

	// MaxExchanges bounds the stored session window.
	MaxExchanges int `json:"max_exchanges" yaml:"max_exchanges"`

	AttemptTimeout time.Duration     `json:"attempt_timeout" yaml:"attempt_timeout"`
	SystemPrompt   string            `json:"system_prompt" yaml:"system_prompt"`
	Temperature    float64           `json:"temperature" yaml:"temperature"`
	MaxTokens      int               `json:"max_tokens" yaml:"max_tokens"`
	Models         map[string]string `json:"models" yaml:"models"`
	Pricing        Pricing           `json:"pricing" yaml:"pricing"`
	Breaker        BreakerConfig     `json:"breaker" yaml:"breaker"`
	Health         HealthConfig      `json:"health" yaml:"health"`

	Now func() time.Time `json:"-" yaml:"-"`
}

// DefaultConfig returns gateway defaults.
func DefaultConfig() Config {
	return Config{
		ContextExchanges: 5,
		MaxExchanges:     100,
		AttemptTimeout:   60 * time.Second,
		SystemPrompt:     "You are a helpful assistant working inside a multi-agent system.",
		Temperature:      0.7,
		MaxTokens:        2000,
		Pricing:          DefaultPricing(),
		Breaker:          DefaultBreakerConfig(),
		Health:           DefaultHealthConfig(),
	}
}

// GenerateOptions are per-request overrides.
type GenerateOptions struct {
	// Provider forces the first provider tried.
	Provider string `json:"provider,omitempty"`

	// Model applies to the first provider tried only.
	Model       string         `json:"model,omitempty"`
	Temperature *float64       `json:"temperature,omitempty"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Context     map[string]any `json:"context,omitempty"`

	// SkipMemory neither reads nor writes the session.
	SkipMemory bool   `json:"skip_memory,omitempty"`
	Owner      string `json:"owner,omitempty"`
}

// GenerateResult is the outcome of a successful Generate.
type GenerateResult struct {
	Text       string           `json:"text"`
	Provider   string           `json:"provider"`
	Model      string           `json:"model"`
	Usage      types.TokenUsage `json:"usage"`
	Cost       float64          `json:"cost"`
	SessionID  string           `json:"session_id,omitempty"`
	FailedOver bool             `json:"failed_over"`
	Attempts   int              `json:"attempts"`
}

// ProviderStatus reports a provider's state.
type ProviderStatus struct {
	Name      string  `json:"name"`
	Active    bool    `json:"active"`
	Score     float64 `json:"health_score"`
	Healthy   bool    `json:"healthy"`
	Requests  int64   `json:"requests"`
	Failures  int64   `json:"failures"`
	Cost      float64 `json:"cost"`
	Circuit   string  `json:"circuit"`
	LastError string  `json:"last_error,omitempty"`
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithMetrics records requests, failovers and health scores.
func WithMetrics(c *metrics.Collector) Option {
	return func(g *Gateway) { g.metrics = c }
}

// WithBudget checks and records daily usage.
func WithBudget(b *budget.Manager) Option {
	return func(g *Gateway) { g.budget = b }
}

// WithTokenizer estimates usage when a backend omits it.
func WithTokenizer(r *tokenizer.Registry) Option {
	return func(g *Gateway) { g.tokens = r }
}

// WithTracer overrides the otel tracer.
func WithTracer(t trace.Tracer) Option {
	return func(g *Gateway) { g.tracer = t }
}

// Gateway routes prompts across providers and owns conversation sessions.
type Gateway struct {
	config    Config
	now       func() time.Time
	providers map[string]Provider
	order     []string
	breakers  map[string]*breaker
	health    map[string]*providerHealth
	store     SessionStore
	locks     *keyedMutex

	budget  *budget.Manager
	tokens  *tokenizer.Registry
	metrics *metrics.Collector
	tracer  trace.Tracer
	logger  *zap.Logger

	mu         sync.RWMutex
	active     string
	totalCost  float64
	costByName map[string]float64
}

// New creates a gateway over providers. A nil store means an in-memory one.
func New(config Config, providers []Provider, store SessionStore, logger *zap.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(providers) == 0 {
		return nil, types.NewError(types.ErrInvalidRequest, "at least one provider is required")
	}
	def := DefaultConfig()
	if config.ContextExchanges <= 0 {
		config.ContextExchanges = def.ContextExchanges
	}
	if config.MaxExchanges <= 0 {
		config.MaxExchanges = def.MaxExchanges
	}
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = def.AttemptTimeout
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = def.MaxTokens
	}
	if config.Health.Window <= 0 {
		config.Health.Window = def.Health.Window
	}
	if config.Health.MaxSamples <= 0 {
		config.Health.MaxSamples = def.Health.MaxSamples
	}
	if config.Health.HealthyScore <= 0 {
		config.Health.HealthyScore = def.Health.HealthyScore
	}
	config.Pricing = DefaultPricing().Merge(config.Pricing)
	if store == nil {
		store = NewMemorySessionStore()
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}

	g := &Gateway{
		config:     config,
		now:        now,
		providers:  make(map[string]Provider, len(providers)),
		breakers:   make(map[string]*breaker, len(providers)),
		health:     make(map[string]*providerHealth, len(providers)),
		store:      store,
		locks:      newKeyedMutex(),
		tokens:     tokenizer.NewRegistry(),
		tracer:     otel.Tracer(instrumentationName),
		logger:     logger.With(zap.String("component", "llm_gateway")),
		costByName: make(map[string]float64),
	}
	for _, opt := range opts {
		opt(g)
	}

	for _, p := range providers {
		name := p.Name()
		if _, dup := g.providers[name]; dup {
			return nil, types.Errorf(types.ErrInvalidRequest, "duplicate provider %q", name)
		}
		g.providers[name] = p
		g.breakers[name] = newBreaker(config.Breaker, now, g.logger.With(zap.String("provider", name)))
		g.health[name] = &providerHealth{}
	}

	for _, name := range config.Order {
		if _, ok := g.providers[name]; ok && !slices.Contains(g.order, name) {
			g.order = append(g.order, name)
		}
	}
	var rest []string
	for name := range g.providers {
		if !slices.Contains(g.order, name) {
			rest = append(rest, name)
		}
	}
	slices.Sort(rest)
	g.order = append(g.order, rest...)

	g.active = config.Default
	if g.active == "" {
		g.active = g.order[0]
	}
	if _, ok := g.providers[g.active]; !ok {
		return nil, types.Errorf(types.ErrProviderNotFound, "default provider %q is not registered", g.active)
	}
	return g, nil
}

// Generate sends prompt with the session's recent history, failing over
// across providers. The session is only modified on success.
func (g *Gateway) Generate(ctx context.Context, sessionID, prompt string, opts GenerateOptions) (*GenerateResult, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "prompt is empty")
	}
	if opts.Provider != "" {
		if _, ok := g.providers[opts.Provider]; !ok {
			return nil, types.Errorf(types.ErrProviderNotFound, "provider %q is not registered", opts.Provider)
		}
	}

	ctx, span := g.tracer.Start(ctx, "llm.generate",
		trace.WithAttributes(
			attribute.String("llm.session_id", sessionID),
			attribute.String("llm.requested_provider", opts.Provider),
		))
	defer span.End()
	if bee, ok := types.BeeID(ctx); ok {
		span.SetAttributes(attribute.String("queenbee.bee", bee))
	}

	useMemory := sessionID != "" && !opts.SkipMemory
	var history []types.Message
	if useMemory {
		s, err := g.store.Get(ctx, sessionID)
		switch {
		case err == nil:
			history = s.Recent(g.config.ContextExchanges)
		case !errors.Is(err, ErrSessionNotFound):
			span.RecordError(err)
			return nil, types.Wrap(err, types.ErrInternalError, "load session")
		}
	}

	msgs := g.buildMessages(history, prompt, opts.Context)
	candidates := g.candidates(opts.Provider)

	if g.budget != nil {
		est := g.tokens.Count(g.config.Models[candidates[0]], msgs)
		estCost := g.config.Pricing.Cost(candidates[0], est, 0)
		if err := g.budget.Check(ctx, est, estCost); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "budget")
			return nil, err
		}
	}

	genOpts := Options{Temperature: g.config.Temperature, MaxTokens: g.config.MaxTokens}
	if opts.Temperature != nil {
		genOpts.Temperature = *opts.Temperature
	}
	if opts.MaxTokens > 0 {
		genOpts.MaxTokens = opts.MaxTokens
	}

	var (
		gen      *Generation
		winner   string
		latency  time.Duration
		attempts int
		errs     []error
	)
	for i, name := range candidates {
		if err := g.breakers[name].allow(); err != nil {
			g.logger.Debug("skipping provider with open circuit", zap.String("provider", name))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		attempts++

		callOpts := genOpts
		callOpts.Model = g.config.Models[name]
		if i == 0 && opts.Model != "" {
			callOpts.Model = opts.Model
		}

		out, took, err := g.attempt(ctx, name, msgs, callOpts)
		if err == nil {
			gen, winner, latency = out, name, took
			break
		}
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
		if ctx.Err() != nil {
			break
		}
	}

	if gen == nil {
		err := types.NewError(types.ErrAllProvidersExhausted, "all providers failed").
			WithCause(errors.Join(errs...)).
			WithRetryable(true).
			WithDetails("attempted", attempts).
			WithDetails("candidates", candidates)
		if ctx.Err() != nil {
			err = types.NewError(types.ErrTimeout, "generation cancelled").WithCause(ctx.Err())
		}
		g.logger.Error("generation failed", zap.String("session_id", sessionID), zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, string(err.Code))
		return nil, err
	}

	usage := gen.Usage
	if !usage.Reported() {
		usage.PromptTokens = g.tokens.Count(gen.Model, msgs)
		usage.CompletionTokens = g.tokens.CountText(gen.Model, gen.Text)
	}
	cost := g.config.Pricing.Cost(winner, usage.PromptTokens, usage.CompletionTokens)
	usage = usage.Priced(cost)
	g.health[winner].addCost(cost)
	g.metrics.RecordLLMRequest(winner, gen.Model, "success", latency, usage.PromptTokens, usage.CompletionTokens, cost)

	if useMemory {
		if err := g.appendExchange(ctx, sessionID, opts.Owner, prompt, gen.Text, winner, cost); err != nil {
			span.RecordError(err)
			return nil, types.Wrap(err, types.ErrInternalError, "save session")
		}
	}

	g.mu.Lock()
	g.totalCost += cost
	g.costByName[winner] += cost
	g.mu.Unlock()

	if g.budget != nil {
		g.budget.Record(budget.Usage{Provider: winner, Model: gen.Model, Tokens: usage.TotalTokens, Cost: cost})
	}

	failedOver := winner != candidates[0]
	span.SetAttributes(
		attribute.String("llm.provider", winner),
		attribute.String("llm.model", gen.Model),
		attribute.Int("llm.tokens.prompt", usage.PromptTokens),
		attribute.Int("llm.tokens.completion", usage.CompletionTokens),
		attribute.Float64("llm.cost", cost),
		attribute.Bool("llm.fallback", failedOver),
	)

	return &GenerateResult{
		Text:       gen.Text,
		Provider:   winner,
		Model:      gen.Model,
		Usage:      usage,
		Cost:       cost,
		SessionID:  sessionID,
		FailedOver: failedOver,
		Attempts:   attempts,
	}, nil
}

// attempt runs one bounded call and records its outcome. Cost and the
// success metric are recorded by the caller once usage is known.
func (g *Gateway) attempt(ctx context.Context, name string, msgs []types.Message, opts Options) (*Generation, time.Duration, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, g.config.AttemptTimeout)
	defer cancel()

	start := g.now()
	gen, err := g.providers[name].Generate(attemptCtx, msgs, opts)
	if err == nil && gen == nil {
		err = errors.New("empty generation")
	}
	latency := g.now().Sub(start)
	h := g.health[name]

	if err != nil {
		if attemptCtx.Err() != nil && ctx.Err() == nil {
			err = types.NewError(types.ErrTimeout, "provider call timed out").
				WithProvider(name).WithRetryable(true).WithCause(err)
		}
		g.breakers[name].failure()
		h.record(outcome{at: g.now(), ok: false, latency: latency}, 0, err.Error(), g.config.Health)
		g.metrics.RecordLLMRequest(name, opts.Model, "error", latency, 0, 0, 0)
		g.metrics.RecordLLMFailover(name)
		g.metrics.SetProviderHealth(name, h.score(g.now(), g.config.Health))
		g.logger.Warn("provider failed",
			zap.String("provider", name),
			zap.Duration("latency", latency),
			zap.Error(err),
		)
		return nil, latency, err
	}

	if gen.Model == "" {
		gen.Model = opts.Model
	}
	g.breakers[name].success()
	h.record(outcome{at: g.now(), ok: true, latency: latency}, 0, "", g.config.Health)
	g.metrics.SetProviderHealth(name, h.score(g.now(), g.config.Health))
	return gen, latency, nil
}

// candidates returns requested, then active, then the configured order.
func (g *Gateway) candidates(requested string) []string {
	out := make([]string, 0, len(g.order))
	if requested != "" {
		out = append(out, requested)
	}
	if active := g.ActiveProvider(); !slices.Contains(out, active) {
		out = append(out, active)
	}
	for _, name := range g.order {
		if !slices.Contains(out, name) {
			out = append(out, name)
		}
	}
	return out
}

func (g *Gateway) buildMessages(history []types.Message, prompt string, extra map[string]any) []types.Message {
	msgs := make([]types.Message, 0, len(history)+2)

	system := g.config.SystemPrompt
	if len(extra) > 0 {
		if data, err := json.Marshal(extra); err == nil {
			system = strings.TrimSpace(system + "\n\nContext: " + string(data))
		}
	}
	if system != "" {
		msgs = append(msgs, types.Message{Role: types.RoleSystem, Content: system, Timestamp: g.now().UTC()})
	}
	msgs = append(msgs, history...)
	msgs = append(msgs, types.Message{Role: types.RoleUser, Content: prompt, Timestamp: g.now().UTC()})
	return msgs
}

// appendExchange stores a user/assistant pair under the session lock.
func (g *Gateway) appendExchange(ctx context.Context, sessionID, owner, prompt, reply, provider string, cost float64) error {
	unlock := g.locks.lock(sessionID)
	defer unlock()

	const maxConflicts = 3
	for range maxConflicts {
		now := g.now().UTC()
		s, err := g.store.Get(ctx, sessionID)
		if errors.Is(err, ErrSessionNotFound) {
			s = &Session{ID: sessionID, Owner: owner, CreatedAt: now}
		} else if err != nil {
			return err
		}

		s.Messages = append(s.Messages, types.Exchange(prompt, reply, provider, now)...)
		s.trim(g.config.MaxExchanges)
		s.ActiveProvider = provider
		s.Cost += cost
		s.UpdatedAt = now

		err = g.store.Save(ctx, s)
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
		g.logger.Debug("session version conflict, retrying", zap.String("session_id", sessionID))
	}
	return ErrVersionConflict
}

// SwitchProvider changes the active provider. Session memory is unaffected.
func (g *Gateway) SwitchProvider(name string) error {
	if _, ok := g.providers[name]; !ok {
		return types.Errorf(types.ErrProviderNotFound, "provider %q is not registered", name).
			WithDetails("available", slices.Clone(g.order))
	}
	g.mu.Lock()
	old := g.active
	g.active = name
	g.mu.Unlock()

	g.logger.Info("switched provider", zap.String("from", old), zap.String("to", name))
	return nil
}

// ActiveProvider returns the active provider name.
func (g *Gateway) ActiveProvider() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.active
}

// ListProviders reports every provider in configured order.
func (g *Gateway) ListProviders() []ProviderStatus {
	active := g.ActiveProvider()
	now := g.now()
	out := make([]ProviderStatus, 0, len(g.order))
	for _, name := range g.order {
		h := g.health[name]
		score := h.score(now, g.config.Health)
		requests, failures, cost, lastErr := h.snapshot()
		out = append(out, ProviderStatus{
			Name:      name,
			Active:    name == active,
			Score:     score,
			Healthy:   score >= g.config.Health.HealthyScore && g.breakers[name].current() != CircuitOpen,
			Requests:  requests,
			Failures:  failures,
			Cost:      cost,
			Circuit:   g.breakers[name].current().String(),
			LastError: lastErr,
		})
	}
	return out
}

// ResetProvider closes a provider's circuit.
func (g *Gateway) ResetProvider(name string) error {
	b, ok := g.breakers[name]
	if !ok {
		return types.Errorf(types.ErrProviderNotFound, "provider %q is not registered", name)
	}
	b.reset()
	return nil
}

// Session returns a copy of the stored session.
func (g *Gateway) Session(ctx context.Context, sessionID string) (*Session, error) {
	s, err := g.store.Get(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, types.Errorf(types.ErrNotFound, "session %q not found", sessionID).WithCause(err)
	}
	return s, err
}

// History returns the stored messages of a session, empty when unknown.
func (g *Gateway) History(ctx context.Context, sessionID string) ([]types.Message, error) {
	s, err := g.store.Get(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.Messages, nil
}

// ClearSession removes a session's memory.
func (g *Gateway) ClearSession(ctx context.Context, sessionID string) error {
	unlock := g.locks.lock(sessionID)
	defer unlock()
	return g.store.Delete(ctx, sessionID)
}

// SearchSession returns up to limit messages containing query, most recent
// matches kept, in chronological order.
func (g *Gateway) SearchSession(ctx context.Context, sessionID, query string, limit int) ([]types.Message, error) {
	history, err := g.History(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}
	q := strings.ToLower(query)
	var out []types.Message
	for _, m := range history {
		if strings.Contains(strings.ToLower(m.Content), q) {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// TotalCost is the accumulated USD cost since start.
func (g *Gateway) TotalCost() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.totalCost
}

// CostByProvider returns accumulated cost per provider.
func (g *Gateway) CostByProvider() map[string]float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]float64, len(g.costByName))
	for k, v := range g.costByName {
		out[k] = v
	}
	return out
}

// keyedMutex hands out one mutex per key and forgets it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
