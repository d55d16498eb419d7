package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/zyra-ai-sei/sdk-backend/internal/provider"
)

// ToolHandler executes a tool call and returns the result as a string.
type ToolHandler func(ctx context.Context, args string) (string, error)

// ToolRegistry holds available tools and their handlers. It is shared by
// every thread's engine.
type ToolRegistry struct {
	defs     []provider.Tool
	handlers map[string]ToolHandler
	mu       sync.RWMutex
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		handlers: make(map[string]ToolHandler),
	}
}

// Register adds a tool definition and its handler. Registering a name twice
// replaces the earlier tool.
func (r *ToolRegistry) Register(def provider.Tool, handler ToolHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := def.Function.Name
	if _, ok := r.handlers[name]; ok {
		for i := range r.defs {
			if r.defs[i].Function.Name == name {
				r.defs[i] = def
			}
		}
	} else {
		r.defs = append(r.defs, def)
	}
	r.handlers[name] = handler
}

// Definitions returns all tool definitions for the LLM request.
func (r *ToolRegistry) Definitions() []provider.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]provider.Tool, len(r.defs))
	copy(out, r.defs)
	return out
}

// Len reports the number of registered tools.
func (r *ToolRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}

// Execute runs a tool by name with the given JSON arguments.
func (r *ToolRegistry) Execute(ctx context.Context, name, args string) (string, error) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown tool: %s", name)
	}
	return h(ctx, args)
}
