package agent

import (
	"context"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/BaSui01/queenbee/agent/bus"
	"github.com/BaSui01/queenbee/agent/registry"
	"github.com/BaSui01/queenbee/llm"
	"github.com/BaSui01/queenbee/types"
)

// Task is a unit of work routed to a bee.
type Task struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	Input     map[string]any `json:"input,omitempty"`
	Prompt    string         `json:"prompt,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Priority  bus.Priority   `json:"priority,omitempty"`
}

// Result is what a bee hands back for a task.
type Result struct {
	TaskID   string         `json:"task_id"`
	Bee      string         `json:"bee"`
	Output   map[string]any `json:"output,omitempty"`
	Text     string         `json:"text,omitempty"`
	Duration time.Duration  `json:"duration"`
	Cost     float64        `json:"cost,omitempty"`
}

// Bee is a worker agent. Implementations must be safe for concurrent use.
type Bee interface {
	Name() string
	Capability() registry.Capability
	Supports(kind string) bool
	Execute(ctx context.Context, task Task) (Result, error)
}

// kinded is implemented by bees that can enumerate the task kinds they accept.
type kinded interface {
	Kinds() []string
}

// Descriptor builds the registry descriptor for a bee.
func Descriptor(b Bee) registry.Descriptor {
	d := registry.Descriptor{
		ID:         b.Name(),
		Name:       b.Name(),
		Capability: b.Capability(),
	}
	if k, ok := b.(kinded); ok {
		d.Kinds = k.Kinds()
	}
	return d
}

// =============================================================================
// FuncBee
// =============================================================================

// HandlerFunc is deterministic bee logic.
type HandlerFunc func(ctx context.Context, task Task) (map[string]any, error)

// FuncBee adapts a HandlerFunc to the Bee interface.
type FuncBee struct {
	name  string
	kinds []string
	fn    HandlerFunc
}

// NewFuncBee 创建确定性 Bee。kinds 为空时接受任意任务类型。
func NewFuncBee(name string, fn HandlerFunc, kinds ...string) *FuncBee {
	return &FuncBee{name: name, kinds: slices.Clone(kinds), fn: fn}
}

func (b *FuncBee) Name() string                    { return b.name }
func (b *FuncBee) Capability() registry.Capability { return registry.CapabilityDeterministic }
func (b *FuncBee) Kinds() []string                 { return slices.Clone(b.kinds) }

func (b *FuncBee) Supports(kind string) bool {
	return len(b.kinds) == 0 || slices.Contains(b.kinds, kind)
}

func (b *FuncBee) Execute(ctx context.Context, task Task) (Result, error) {
	start := time.Now()
	out, err := b.fn(ctx, task)
	res := Result{TaskID: task.ID, Bee: b.name, Output: out, Duration: time.Since(start)}
	return res, err
}

// =============================================================================
// LLMBee
// =============================================================================

// Generator is the slice of the LLM gateway a generative bee needs.
type Generator interface {
	Generate(ctx context.Context, sessionID, prompt string, opts llm.GenerateOptions) (*llm.GenerateResult, error)
}

// LLMBee answers tasks by prompting the injected generator. Task input other
// than "prompt" is passed along as generation context.
type LLMBee struct {
	name  string
	kinds []string
	gen   Generator
	opts  llm.GenerateOptions
}

// NewLLMBee 创建生成式 Bee
func NewLLMBee(name string, gen Generator, opts llm.GenerateOptions, kinds ...string) *LLMBee {
	return &LLMBee{name: name, kinds: slices.Clone(kinds), gen: gen, opts: opts}
}

func (b *LLMBee) Name() string                    { return b.name }
func (b *LLMBee) Capability() registry.Capability { return registry.CapabilityGenerative }
func (b *LLMBee) Kinds() []string                 { return slices.Clone(b.kinds) }

func (b *LLMBee) Supports(kind string) bool {
	return len(b.kinds) == 0 || slices.Contains(b.kinds, kind)
}

func (b *LLMBee) Execute(ctx context.Context, task Task) (Result, error) {
	start := time.Now()
	res := Result{TaskID: task.ID, Bee: b.name}

	prompt := strings.TrimSpace(task.Prompt)
	if prompt == "" {
		if p, ok := task.Input["prompt"].(string); ok {
			prompt = strings.TrimSpace(p)
		}
	}
	if prompt == "" {
		return res, types.NewError(types.ErrInvalidRequest, "task has no prompt")
	}

	sessionID := task.SessionID
	if sessionID == "" {
		sessionID = "bee:" + b.name
	}

	opts := b.opts
	if len(task.Input) > 0 {
		extra := maps.Clone(opts.Context)
		if extra == nil {
			extra = make(map[string]any, len(task.Input))
		}
		for k, v := range task.Input {
			if k != "prompt" {
				extra[k] = v
			}
		}
		if len(extra) > 0 {
			opts.Context = extra
		}
	}

	gen, err := b.gen.Generate(ctx, sessionID, prompt, opts)
	res.Duration = time.Since(start)
	if err != nil {
		return res, err
	}
	res.Text = gen.Text
	res.Cost = gen.Cost
	res.Output = map[string]any{
		"provider":    gen.Provider,
		"model":       gen.Model,
		"tokens":      gen.Usage.TotalTokens,
		"failed_over": gen.FailedOver,
	}
	return res, nil
}
