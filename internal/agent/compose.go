package agent

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/agora/internal/org"
)

// basePrompt is the shared operating preamble for spawned agents. System
// agents (root, user) run with role_prompt only.
const basePrompt = `You are an agent inside a multi-agent organization. You communicate with
other agents exclusively through the send_message tool; plain replies are not
delivered to anyone. Work on the task described in the messages you receive,
spawn child agents for subtasks you cannot do yourself, and report results to
the agent that gave you the task.`

const toolRules = `Tool rules:
- Use send_message to deliver any result or question; never assume a reply is seen otherwise.
- spawn_agent requires a complete taskBrief (objective, constraints, inputs, outputs, completion_criteria).
- Only terminate agents you spawned yourself.
- Use compress_context when your conversation grows long; keep the summary faithful.
- run_javascript runs in a sandbox without network or filesystem access.`

// ComposeSystemPrompt builds the system turn for an agent. The message being
// processed never leaks in here; per-message content belongs to the user turn.
func ComposeSystemPrompt(agentID string, role *org.Role, toolNames []string) string {
	if org.IsSystemAgent(agentID) {
		return strings.TrimSpace(role.RolePrompt)
	}

	var b strings.Builder
	b.WriteString(basePrompt)
	b.WriteString("\n\n")
	if role.RolePrompt != "" {
		b.WriteString(role.RolePrompt)
		b.WriteString("\n\n")
	}
	b.WriteString(toolRules)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Your agentId is %s, your role is %s.", agentID, role.Name)
	if len(toolNames) > 0 {
		fmt.Fprintf(&b, " Available tools: %s.", strings.Join(toolNames, ", "))
	}
	if role.ToolGroups != nil {
		fmt.Fprintf(&b, " Your tool groups: %s.", strings.Join(role.ToolGroups, ", "))
	}
	return b.String()
}
