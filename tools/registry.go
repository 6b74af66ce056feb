package tools

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/PipeOpsHQ/agent-engine/types"
)

// Registry maps tool names to tools. Each engine owns its own registry.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: map[string]Tool{}}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return fmt.Errorf("tool is required")
	}
	name := strings.TrimSpace(tool.Definition().Name)
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tools == nil {
		r.tools = map[string]Tool{}
	}
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = tool
	r.order = append(r.order, name)
	return nil
}

func (r *Registry) MustRegister(tool Tool) {
	if err := r.Register(tool); err != nil {
		panic(err)
	}
}

func (r *Registry) Get(name string) (Tool, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Definitions returns the tool catalog in registration order.
func (r *Registry) Definitions() []types.ToolDefinition {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].Definition())
	}
	return out
}

// Select returns a registry holding the named tools. "*" selects every tool;
// duplicates are ignored.
func (r *Registry) Select(selection []string) (*Registry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := &Registry{tools: map[string]Tool{}}
	add := func(name string) {
		if _, seen := out.tools[name]; seen {
			return
		}
		out.tools[name] = r.tools[name]
		out.order = append(out.order, name)
	}
	for _, raw := range selection {
		entry := strings.TrimSpace(raw)
		switch entry {
		case "":
			continue
		case "*":
			all := append([]string(nil), r.order...)
			sort.Strings(all)
			for _, name := range all {
				add(name)
			}
		default:
			if _, ok := r.tools[entry]; !ok {
				return nil, fmt.Errorf("unknown tool %q", entry)
			}
			add(entry)
		}
	}
	return out, nil
}
