package tools

import (
	"context"
	"fmt"

	"github.com/nextlevelbuilder/agora/internal/bus"
)

// SendMessageTool puts a message on the bus. taskId is inherited from the
// message being processed unless the model overrides it.
type SendMessageTool struct {
	bus *bus.Bus
}

func NewSendMessageTool(b *bus.Bus) *SendMessageTool {
	return &SendMessageTool{bus: b}
}

func (t *SendMessageTool) Name() string { return "send_message" }

func (t *SendMessageTool) Description() string {
	return "Send a message to another agent. Use the recipient's agentId. The message is delivered asynchronously; delayMs postpones delivery."
}

func (t *SendMessageTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"to": map[string]interface{}{
				"type":        "string",
				"description": "Recipient agentId.",
			},
			"text": map[string]interface{}{
				"type":        "string",
				"description": "Message text.",
			},
			"taskId": map[string]interface{}{
				"type":        "string",
				"description": "Override the inherited taskId. Usually omitted.",
			},
			"delayMs": map[string]interface{}{
				"type":        "number",
				"description": "Delay delivery by this many milliseconds.",
				"minimum":     0.0,
			},
		},
		"required": []string{"to", "text"},
	}
}

func (t *SendMessageTool) Groups() []string { return []string{"messaging"} }

func (t *SendMessageTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	to, _ := args["to"].(string)
	text, _ := args["text"].(string)
	if to == "" {
		return ErrorResult("to is required")
	}
	if text == "" {
		return ErrorResult("text is required")
	}

	taskID := ""
	if cur := CurrentMessageFromCtx(ctx); cur != nil {
		taskID = cur.TaskID
	}
	if override, ok := args["taskId"].(string); ok && override != "" {
		taskID = override
	}
	var delayMs int64
	if d, ok := args["delayMs"].(float64); ok && d > 0 {
		delayMs = int64(d)
	}

	receipt, err := t.bus.Send(bus.SendRequest{
		From:      CallerFromCtx(ctx),
		To:        to,
		TaskID:    taskID,
		Payload:   bus.Payload{Text: text},
		DelayMs:   delayMs,
		Reasoning: ReasoningFromCtx(ctx),
	})
	if err != nil {
		return FaultResult(err)
	}
	if receipt.ScheduledDeliveryTime != nil {
		return NewResult(fmt.Sprintf("message %s scheduled for %s", receipt.MessageID, receipt.ScheduledDeliveryTime.Format("15:04:05.000")))
	}
	return NewResult(fmt.Sprintf("message %s sent to %s", receipt.MessageID, to))
}
