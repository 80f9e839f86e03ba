package tools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ent0n29/jarvis/internal/llm"
)

// Invoker runs tool calls. Registry implements it; wrappers add side effects.
type Invoker interface {
	Invoke(ctx context.Context, call llm.ToolCall) Result
}

// Registry keeps tools in registration order.
type Registry struct {
	mu    sync.RWMutex
	order []string
	tools map[string]Tool
}

func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(t Tool) error {
	if t.Name == "" || t.Run == nil {
		return fmt.Errorf("register tool: name and run function are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("register tool: %s already registered", t.Name)
	}
	r.order = append(r.order, t.Name)
	r.tools[t.Name] = t
	return nil
}

// List returns tool specs in registration order.
func (r *Registry) List() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].Spec())
	}
	return out
}

func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

func (r *Registry) IsSlow(name string) bool {
	t, ok := r.Lookup(name)
	return ok && t.Slow
}

// Invoke never panics and never returns a bare error: failures are
// reported as a Result carrying a *ToolError.
func (r *Registry) Invoke(ctx context.Context, call llm.ToolCall) (res Result) {
	res = Result{CallID: call.ID, Name: call.Name, Args: call.Args}
	t, ok := r.Lookup(call.Name)
	if !ok {
		res.Err = &ToolError{Tool: call.Name, Err: ErrUnknownTool}
		return res
	}

	start := time.Now()
	defer func() {
		res.Duration = time.Since(start)
		if p := recover(); p != nil {
			res.Output = ""
			res.Err = &ToolError{Tool: call.Name, Err: fmt.Errorf("panic: %v", p)}
		}
	}()

	out, err := t.Run(ctx, Args(call.Args))
	if err != nil {
		res.Err = &ToolError{Tool: call.Name, Err: err}
		return res
	}
	res.Output = out
	return res
}
