// Package tools implements the closed, enumerated set of capabilities a
// quality agent's chat loop may invoke: bash, read, edit, glob, grep, and an
// optional browser tool. Nothing here runs arbitrary code outside this set —
// the chat loop only ever dispatches a tool call by name through a Registry.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// Spec describes one tool the model may call, in the OpenAI function-calling
// shape: {type: "function", function: {name, description, parameters}}.
type Spec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Tool is one closed-set capability exposed to a quality agent.
type Tool interface {
	Spec() Spec
	Execute(ctx context.Context, workDir string, args json.RawMessage) (string, error)
}

// Registry holds the tools available to a given agent role.
type Registry struct {
	tools map[string]Tool
	order []string
}

// NewRegistry builds a Registry from an explicit tool list (the role's
// declared tool set, not every tool that exists — a role that declares only
// {"bash", "read"} cannot edit or glob).
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		name := t.Spec().Name
		r.tools[name] = t
		r.order = append(r.order, name)
	}
	return r
}

// Specs returns the tool specs in registration order, for building the chat
// request's tool list.
func (r *Registry) Specs() []Spec {
	specs := make([]Spec, 0, len(r.order))
	for _, name := range r.order {
		specs = append(specs, r.tools[name].Spec())
	}
	return specs
}

// Dispatch executes a tool call by name. An unknown tool name is a findable
// agent error, not a panic.
func (r *Registry) Dispatch(ctx context.Context, workDir, name string, args json.RawMessage) (string, error) {
	t, ok := r.tools[name]
	if !ok {
		return "", fmt.Errorf("tools: unknown tool %q", name)
	}
	return t.Execute(ctx, workDir, args)
}
