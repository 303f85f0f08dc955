package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/agora/internal/org"
)

// TaskBrief is the structured work order handed to a spawned agent.
type TaskBrief struct {
	Objective          string `json:"objective"`
	Constraints        string `json:"constraints"`
	Inputs             string `json:"inputs"`
	Outputs            string `json:"outputs"`
	CompletionCriteria string `json:"completion_criteria"`
}

// Validate checks that every brief field is present.
func (b TaskBrief) Validate() error {
	var missing []string
	for field, v := range map[string]string{
		"objective":           b.Objective,
		"constraints":         b.Constraints,
		"inputs":              b.Inputs,
		"outputs":             b.Outputs,
		"completion_criteria": b.CompletionCriteria,
	} {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("taskBrief missing fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Spawner is the runtime surface the spawn and terminate tools call into.
type Spawner interface {
	// SpawnAgent creates (or reuses, per task dedup) a child agent. reused
	// reports whether an existing agent was returned.
	SpawnAgent(ctx context.Context, caller, roleID, parentAgentID, taskID string, brief TaskBrief) (agent *org.Agent, reused bool, err error)
	// TerminateAgent removes a direct child agent.
	TerminateAgent(caller, agentID, reason string) error
}

// SpawnAgentTool creates a child agent under a role.
type SpawnAgentTool struct {
	spawner Spawner
}

func NewSpawnAgentTool(s Spawner) *SpawnAgentTool {
	return &SpawnAgentTool{spawner: s}
}

func (t *SpawnAgentTool) Name() string { return "spawn_agent" }

func (t *SpawnAgentTool) Description() string {
	return "Spawn a child agent for a role with a task brief. If you already spawned an agent for the current task, the existing agent is returned instead."
}

func (t *SpawnAgentTool) Parameters() map[string]interface{} {
	briefProps := map[string]interface{}{}
	for _, f := range []string{"objective", "constraints", "inputs", "outputs", "completion_criteria"} {
		briefProps[f] = map[string]interface{}{"type": "string"}
	}
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"roleId": map[string]interface{}{
				"type":        "string",
				"description": "Role to instantiate.",
			},
			"parentAgentId": map[string]interface{}{
				"type":        "string",
				"description": "Parent agent. Non-root callers must pass their own id or omit it.",
			},
			"taskBrief": map[string]interface{}{
				"type":       "object",
				"properties": briefProps,
				"required":   []string{"objective", "constraints", "inputs", "outputs", "completion_criteria"},
			},
		},
		"required": []string{"roleId", "taskBrief"},
	}
}

func (t *SpawnAgentTool) Groups() []string { return []string{"org"} }

func (t *SpawnAgentTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	roleID, _ := args["roleId"].(string)
	if roleID == "" {
		return ErrorResult("roleId is required")
	}
	parentAgentID, _ := args["parentAgentId"].(string)

	rawBrief, ok := args["taskBrief"].(map[string]interface{})
	if !ok {
		return ErrorResult("taskBrief is required")
	}
	brief := TaskBrief{
		Objective:          str(rawBrief, "objective"),
		Constraints:        str(rawBrief, "constraints"),
		Inputs:             str(rawBrief, "inputs"),
		Outputs:            str(rawBrief, "outputs"),
		CompletionCriteria: str(rawBrief, "completion_criteria"),
	}
	if err := brief.Validate(); err != nil {
		return ErrorResult(err.Error())
	}

	caller := CallerFromCtx(ctx)
	taskID := ""
	if cur := CurrentMessageFromCtx(ctx); cur != nil {
		taskID = cur.TaskID
	}

	agent, reused, err := t.spawner.SpawnAgent(ctx, caller, roleID, parentAgentID, taskID, brief)
	if err != nil {
		return FaultResult(err)
	}
	if reused {
		return NewResult(fmt.Sprintf("reusing existing agent %s for this task", agent.AgentID))
	}
	return NewResult(fmt.Sprintf("spawned agent %s (role %s)", agent.AgentID, roleID))
}

func str(m map[string]interface{}, key string) string {
	v, _ := m[key].(string)
	return v
}
