// File: internal/tools/registry.go
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/xkilldash9x/phonepilot/api/schemas"
)

// Registry holds the external tools reachable through mcp_call.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]schemas.Tool
}

// NewRegistry creates a registry pre-populated with the given tools.
func NewRegistry(tools ...schemas.Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]schemas.Tool)}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a tool. Names must be unique and may not shadow the device envelope.
func (r *Registry) Register(t schemas.Tool) error {
	name := t.Name()
	if name == "" {
		return fmt.Errorf("tool name must not be empty")
	}
	if name == "mobile_use" {
		return fmt.Errorf("tool name %q is reserved", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q is already registered", name)
	}
	r.tools[name] = t
	return nil
}

// Get looks a tool up by name.
func (r *Registry) Get(name string) (schemas.Tool, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Specs describes the registered tools, sorted by name.
func (r *Registry) Specs() []schemas.ToolSpec {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]schemas.ToolSpec, 0, len(r.tools))
	for _, t := range r.tools {
		specs = append(specs, schemas.ToolSpec{Name: t.Name(), Description: t.Description()})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// FuncTool adapts a plain function to schemas.Tool.
type FuncTool struct {
	ToolName string
	Desc     string
	Fn       func(ctx context.Context, args map[string]any) (any, error)
}

func (f FuncTool) Name() string        { return f.ToolName }
func (f FuncTool) Description() string { return f.Desc }

func (f FuncTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	return f.Fn(ctx, args)
}
