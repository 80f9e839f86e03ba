// Package tools holds the capabilities the agent can call by name.
package tools

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrUnknownTool  = errors.New("unknown tool")
	ErrMissingArg   = errors.New("missing argument")
	ErrNotAvailable = errors.New("backend not configured")
)

// RunFunc executes a tool with already-decoded arguments.
type RunFunc func(ctx context.Context, args Args) (string, error)

// Tool is one registered capability: a name, a JSON schema for its
// arguments and the function that runs it. Slow tools trigger interim
// feedback to the user while they run.
type Tool struct {
	Name        string
	Description string
	Schema      map[string]any
	Slow        bool
	Run         RunFunc
}

// Spec is the public description of a tool.
type Spec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"schema"`
}

func (t Tool) Spec() Spec {
	return Spec{Name: t.Name, Description: t.Description, Schema: t.Schema}
}

// ToolError carries the failing tool name with the underlying error.
type ToolError struct {
	Tool string
	Err  error
}

func (e *ToolError) Error() string { return fmt.Sprintf("tool %s: %v", e.Tool, e.Err) }
func (e *ToolError) Unwrap() error { return e.Err }

// Result pairs a call with its output or error.
type Result struct {
	CallID   string
	Name     string
	Args     map[string]any
	Output   string
	Err      error
	Duration time.Duration
}

func (r Result) Status() string {
	if r.Err != nil {
		return "error"
	}
	return "success"
}

// Content is the text handed back to the model.
func (r Result) Content() string {
	if r.Err == nil {
		return r.Output
	}
	if errors.Is(r.Err, ErrUnknownTool) {
		return fmt.Sprintf("Error: tool '%s' was not found.", r.Name)
	}
	return fmt.Sprintf("Error running tool '%s': %v", r.Name, unwrapToolError(r.Err))
}

func unwrapToolError(err error) error {
	var te *ToolError
	if errors.As(err, &te) {
		return te.Err
	}
	return err
}

// Args are decoded JSON arguments.
type Args map[string]any

func (a Args) String(key string) (string, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return "", fmt.Errorf("%w: %s", ErrMissingArg, key)
	}
	s := strings.TrimSpace(fmt.Sprint(v))
	if s == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingArg, key)
	}
	return s, nil
}

// Int reads a numeric argument; JSON numbers decode as float64 and some
// models send numbers as strings.
func (a Args) Int(key string, def int) int {
	switch v := a[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func objectSchema(required []string, props map[string]any) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func stringProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}
