package tools

import (
	"context"
	"encoding/json"

	"github.com/nextlevelbuilder/agora/internal/org"
)

// ListAgentsTool exposes the active agent roster so a parent can find its
// children and their roles.
type ListAgentsTool struct {
	registry *org.Registry
}

func NewListAgentsTool(reg *org.Registry) *ListAgentsTool {
	return &ListAgentsTool{registry: reg}
}

func (t *ListAgentsTool) Name() string { return "list_agents" }

func (t *ListAgentsTool) Description() string {
	return "List active agents with their roles and parents."
}

func (t *ListAgentsTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

func (t *ListAgentsTool) Groups() []string { return []string{"org"} }

func (t *ListAgentsTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	type row struct {
		AgentID       string `json:"agentId"`
		RoleID        string `json:"roleId"`
		ParentAgentID string `json:"parentAgentId,omitempty"`
		DisplayName   string `json:"displayName,omitempty"`
	}
	var rows []row
	for _, a := range t.registry.ListAgents() {
		rows = append(rows, row{
			AgentID:       a.AgentID,
			RoleID:        a.RoleID,
			ParentAgentID: a.ParentAgentID,
			DisplayName:   a.DisplayName,
		})
	}
	data, _ := json.Marshal(rows)
	return NewResult(string(data))
}
