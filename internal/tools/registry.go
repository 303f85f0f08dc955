// Package tools holds the tool registry, the per-role gating policy and the
// built-in tools agents can call from the LLM loop.
package tools

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/agora/internal/fault"
	"github.com/nextlevelbuilder/agora/internal/llm"
)

// Tool is the interface all tools implement.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	// Groups returns the tool's group memberships for per-role gating.
	Groups() []string
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// Registry holds tool instances and dispatches calls.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns registered tool names in stable order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the wire definitions for the tools a role may call.
// roleToolGroups follows the gating rule of Allowed.
func (r *Registry) Definitions(roleToolGroups []string) []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var defs []llm.ToolDefinition
	for _, name := range r.listLocked() {
		t := r.tools[name]
		if !allowed(t, roleToolGroups) {
			continue
		}
		defs = append(defs, llm.ToolDefinition{
			Type: "function",
			Function: llm.ToolFunctionSchema{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

func (r *Registry) listLocked() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute gates and dispatches one tool call. Policy and validation failures
// come back as error results, never panics.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}, roleToolGroups []string) *Result {
	t, ok := r.Get(name)
	if !ok {
		return FaultResult(fault.Newf(fault.ToolNotFound, "tool %q", name))
	}
	if !allowed(t, roleToolGroups) {
		return FaultResult(fault.Newf(fault.ToolNotAllowedForRole, "tool %q groups %v", name, t.Groups()))
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	res := t.Execute(ctx, args)
	if res == nil {
		res = ErrorResult("tool returned no result")
	}
	if res.IsError {
		slog.Warn("tool.error", "tool", name, "error", res.ForLLM)
	}
	return res
}

// allowed implements the gating rule: a nil group list on the role means all
// groups; otherwise the role must hold every group the tool belongs to.
func allowed(t Tool, roleToolGroups []string) bool {
	if roleToolGroups == nil {
		return true
	}
	held := make(map[string]bool, len(roleToolGroups))
	for _, g := range roleToolGroups {
		held[g] = true
	}
	for _, g := range t.Groups() {
		if !held[g] {
			return false
		}
	}
	return true
}
