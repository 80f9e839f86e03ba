// Package agent runs the decide/act loop that lets a language model call tools.
package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/ent0n29/jarvis/internal/llm"
	"github.com/ent0n29/jarvis/internal/observability"
	"github.com/ent0n29/jarvis/internal/tools"
	"github.com/rs/zerolog"
)

var ErrRecursionLimit = errors.New("agent recursion limit exceeded")

const (
	SenderAgent = "agent"
	SenderTool  = "tool"
)

type node int

const (
	nodeDecide node = iota
	nodeAct
)

// Toolbox is what the graph needs from the tool registry.
type Toolbox interface {
	tools.Invoker
	List() []tools.Spec
	IsSlow(name string) bool
}

// State is the conversation carried through one invocation. Messages are
// only appended. MessageID identifies the persisted user message.
type State struct {
	Messages  []llm.Message
	Sender    string
	MessageID int64
	Steps     int
}

// Reply is the text of the last assistant message.
func (s *State) Reply() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == llm.RoleAssistant {
			return s.Messages[i].Content
		}
	}
	return ""
}

type WorkingHook func(ctx context.Context, detail string)

type runConfig struct {
	invoker tools.Invoker
	working WorkingHook
}

type RunOption func(*runConfig)

// WithInvoker routes tool calls through inv, e.g. a usage-logging wrapper.
func WithInvoker(inv tools.Invoker) RunOption {
	return func(c *runConfig) { c.invoker = inv }
}

// WithWorkingHook is called once per act step that contains a slow tool.
func WithWorkingHook(hook WorkingHook) RunOption {
	return func(c *runConfig) { c.working = hook }
}

type Graph struct {
	model   llm.Model
	toolbox Toolbox
	limit   int
	log     zerolog.Logger
	metrics *observability.Metrics
}

func New(model llm.Model, toolbox Toolbox, limit int, log zerolog.Logger, metrics *observability.Metrics) *Graph {
	if limit <= 0 {
		limit = 10
	}
	return &Graph{
		model:   model,
		toolbox: toolbox,
		limit:   limit,
		log:     log.With().Str("component", "agent").Logger(),
		metrics: metrics,
	}
}

// Run drives decide and act steps until the model answers without tool
// calls. Every node execution is one step; reaching the limit first returns
// ErrRecursionLimit.
func (g *Graph) Run(ctx context.Context, st *State, opts ...RunOption) error {
	cfg := runConfig{invoker: g.toolbox}
	for _, opt := range opts {
		opt(&cfg)
	}
	specs := toolSpecs(g.toolbox.List())

	defer func() { g.metrics.ObserveAgentSteps(st.Steps) }()
	next := nodeDecide
	for {
		if st.Steps >= g.limit {
			return fmt.Errorf("%w: %d steps", ErrRecursionLimit, g.limit)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		st.Steps++

		switch next {
		case nodeDecide:
			msg, err := g.model.Chat(ctx, st.Messages, specs)
			if err != nil {
				return fmt.Errorf("model chat: %w", err)
			}
			msg.Role = llm.RoleAssistant
			for i := range msg.ToolCalls {
				if msg.ToolCalls[i].ID == "" {
					msg.ToolCalls[i].ID = fmt.Sprintf("call_%d_%d", st.Steps, i)
				}
			}
			st.Messages = append(st.Messages, msg)
			st.Sender = SenderAgent
			if len(msg.ToolCalls) == 0 {
				return nil
			}
			next = nodeAct
		case nodeAct:
			g.act(ctx, st, cfg)
			next = nodeDecide
		}
	}
}

func (g *Graph) act(ctx context.Context, st *State, cfg runConfig) {
	calls := st.Messages[len(st.Messages)-1].ToolCalls
	if cfg.working != nil {
		for _, call := range calls {
			if g.toolbox.IsSlow(call.Name) {
				cfg.working(ctx, WorkingFeedback)
				break
			}
		}
	}
	for _, call := range calls {
		res := cfg.invoker.Invoke(ctx, call)
		st.Messages = append(st.Messages, llm.Message{
			Role:       llm.RoleTool,
			Content:    res.Content(),
			ToolCallID: call.ID,
			Name:       call.Name,
		})
		g.log.Debug().Str("tool", call.Name).Str("status", res.Status()).Msg("tool result appended")
	}
	st.Sender = SenderTool
}

func toolSpecs(specs []tools.Spec) []llm.ToolSpec {
	out := make([]llm.ToolSpec, 0, len(specs))
	for _, s := range specs {
		out = append(out, llm.ToolSpec{Name: s.Name, Description: s.Description, Parameters: s.Schema})
	}
	return out
}
