package toolexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Mindburn-Labs/opsagent/pkg/llm"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// LocalTool is a tool dispatched in-process instead of over the wire:
// the finance calculators and synthesized gap-fill tools.
type LocalTool struct {
	Definition llm.ToolDefinition
	Handler    func(ctx context.Context, params map[string]any) (map[string]any, error)
}

// Registry holds locally dispatched tools. Inputs are validated against
// the tool's declared schema before the handler runs, so a synthesized
// tool never sees malformed params.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]LocalTool
	compiled map[string]*jsonschema.Schema
}

func NewRegistry() *Registry {
	return &Registry{
		tools:    make(map[string]LocalTool),
		compiled: make(map[string]*jsonschema.Schema),
	}
}

// Register adds or replaces a local tool. The input schema is compiled
// eagerly so registration fails fast on a bad schema.
func (r *Registry) Register(tool LocalTool) error {
	name := tool.Definition.Name
	if name == "" {
		return fmt.Errorf("register: tool has no name")
	}

	var schema *jsonschema.Schema
	if tool.Definition.InputSchema != nil {
		raw, err := json.Marshal(tool.Definition.InputSchema)
		if err != nil {
			return fmt.Errorf("register %s: marshal schema: %w", name, err)
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(name+".json", bytes.NewReader(raw)); err != nil {
			return fmt.Errorf("register %s: add schema: %w", name, err)
		}
		schema, err = compiler.Compile(name + ".json")
		if err != nil {
			return fmt.Errorf("register %s: compile schema: %w", name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = tool
	if schema != nil {
		r.compiled[name] = schema
	}
	return nil
}

// Has reports whether a tool dispatches locally.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Definitions returns all local tool definitions.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Definition)
	}
	return defs
}

// Call validates params against the tool's schema and dispatches.
func (r *Registry) Call(ctx context.Context, name string, params map[string]any) (map[string]any, error) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	schema := r.compiled[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("local tool %q not registered", name)
	}

	if params == nil {
		params = map[string]any{}
	}
	if schema != nil {
		if err := schema.Validate(normalizeForSchema(params)); err != nil {
			return map[string]any{"error": fmt.Sprintf("invalid params for %s: %v", name, err)}, nil
		}
	}
	return tool.Handler(ctx, params)
}

// Wrap layers local dispatch over a remote ToolFunc: registered names
// run in-process, everything else passes through.
func (r *Registry) Wrap(remote ToolFunc) ToolFunc {
	return func(ctx context.Context, tool string, params map[string]any) (map[string]any, error) {
		if r.Has(tool) {
			return r.Call(ctx, tool, params)
		}
		return remote(ctx, tool, params)
	}
}

// The schema validator wants plain JSON types; round-trip params so
// ints and structs become float64 and maps.
func normalizeForSchema(params map[string]any) any {
	raw, err := json.Marshal(params)
	if err != nil {
		return params
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return params
	}
	return out
}
