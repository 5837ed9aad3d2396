package tools

import (
	"fmt"
	"sort"
)

// Registry maps tool names to implementations
type Registry map[string]Tool

// NewRegistry returns the planner's full tool catalogue.
func NewRegistry() Registry {
	r := Registry{}
	for _, t := range []Tool{
		GenerateDraftTool{},
		ValidateDraftTool{},
		AssignRecipesTool{},
		GenerateMissingRecipesTool{},
		FinalizePlanTool{},
	} {
		r[t.Name()] = t
	}
	return r
}

// GetTools returns all tools sorted by name so prompts are stable.
func (r Registry) GetTools() []Tool {
	out := make([]Tool, 0, len(r))
	for _, t := range r {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// GetTool retrieves a tool by name from the registry
func (r Registry) GetTool(name string) (Tool, error) {
	t, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("tool %q not found in registry", name)
	}
	return t, nil
}

// Parse resolves the call's tool and parses its input into a typed action.
func (r Registry) Parse(c Call) (Action, error) {
	t, err := r.GetTool(c.Name)
	if err != nil {
		return nil, err
	}
	in := c.Input
	if in == nil {
		in = map[string]any{}
	}
	return t.Parse(in)
}
