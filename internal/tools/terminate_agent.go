package tools

import (
	"context"
	"fmt"
)

// TerminateAgentTool removes a direct child agent from the runtime.
type TerminateAgentTool struct {
	spawner Spawner
}

func NewTerminateAgentTool(s Spawner) *TerminateAgentTool {
	return &TerminateAgentTool{spawner: s}
}

func (t *TerminateAgentTool) Name() string { return "terminate_agent" }

func (t *TerminateAgentTool) Description() string {
	return "Terminate one of your child agents. Only the direct parent may terminate an agent."
}

func (t *TerminateAgentTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"agentId": map[string]interface{}{
				"type":        "string",
				"description": "Agent to terminate.",
			},
			"reason": map[string]interface{}{
				"type":        "string",
				"description": "Why the agent is being terminated.",
			},
		},
		"required": []string{"agentId"},
	}
}

func (t *TerminateAgentTool) Groups() []string { return []string{"org"} }

func (t *TerminateAgentTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	agentID, _ := args["agentId"].(string)
	if agentID == "" {
		return ErrorResult("agentId is required")
	}
	reason, _ := args["reason"].(string)

	if err := t.spawner.TerminateAgent(CallerFromCtx(ctx), agentID, reason); err != nil {
		return FaultResult(err)
	}
	return NewResult(fmt.Sprintf("agent %s terminated", agentID))
}
