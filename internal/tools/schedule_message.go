package tools

import (
	"context"
	"fmt"
)

// MessageScheduler registers recurring sends. Implemented by the schedule
// package; cron expressions are validated on Add.
type MessageScheduler interface {
	Add(from, to, taskID, text, cronExpr string) (id string, err error)
	Remove(id string) bool
}

// ScheduleMessageTool sets up a recurring message on a cron schedule.
type ScheduleMessageTool struct {
	scheduler MessageScheduler
}

func NewScheduleMessageTool(s MessageScheduler) *ScheduleMessageTool {
	return &ScheduleMessageTool{scheduler: s}
}

func (t *ScheduleMessageTool) Name() string { return "schedule_message" }

func (t *ScheduleMessageTool) Description() string {
	return "Schedule a recurring message on a cron expression. The message is sent from you each time the schedule fires."
}

func (t *ScheduleMessageTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"to": map[string]interface{}{
				"type":        "string",
				"description": "Recipient agentId.",
			},
			"text": map[string]interface{}{
				"type":        "string",
				"description": "Message text sent on each firing.",
			},
			"cron": map[string]interface{}{
				"type":        "string",
				"description": "Standard 5-field cron expression, e.g. */5 * * * *",
			},
		},
		"required": []string{"to", "text", "cron"},
	}
}

func (t *ScheduleMessageTool) Groups() []string { return []string{"messaging", "automation"} }

func (t *ScheduleMessageTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	to, _ := args["to"].(string)
	text, _ := args["text"].(string)
	cronExpr, _ := args["cron"].(string)
	if to == "" || text == "" || cronExpr == "" {
		return ErrorResult("to, text and cron are required")
	}

	taskID := ""
	if cur := CurrentMessageFromCtx(ctx); cur != nil {
		taskID = cur.TaskID
	}
	id, err := t.scheduler.Add(CallerFromCtx(ctx), to, taskID, text, cronExpr)
	if err != nil {
		return FaultResult(err)
	}
	return NewResult(fmt.Sprintf("schedule %s created (%s)", id, cronExpr))
}
