package tools

import (
	"context"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/agora/internal/bus"
	"github.com/nextlevelbuilder/agora/internal/conv"
	"github.com/nextlevelbuilder/agora/internal/fault"
	"github.com/nextlevelbuilder/agora/internal/llm"
	"github.com/nextlevelbuilder/agora/internal/org"
)

func TestSendMessageInheritsTaskID(t *testing.T) {
	b := bus.New()
	tool := NewSendMessageTool(b)

	ctx := WithCaller(context.Background(), "agent-1")
	ctx = WithCurrentMessage(ctx, &bus.Message{TaskID: "task-7"})
	ctx = WithReasoning(ctx, "because")

	res := tool.Execute(ctx, map[string]interface{}{"to": "agent-2", "text": "hi"})
	if res.IsError {
		t.Fatalf("send failed: %s", res.ForLLM)
	}
	msg := b.ReceiveNext("agent-2")
	if msg == nil || msg.TaskID != "task-7" || msg.From != "agent-1" {
		t.Fatalf("delivered: %+v", msg)
	}
	if msg.ReasoningContent != "because" {
		t.Fatalf("reasoning not attached: %+v", msg)
	}
}

func TestSendMessageTaskIDOverride(t *testing.T) {
	b := bus.New()
	tool := NewSendMessageTool(b)
	ctx := WithCaller(context.Background(), "agent-1")
	ctx = WithCurrentMessage(ctx, &bus.Message{TaskID: "task-7"})

	res := tool.Execute(ctx, map[string]interface{}{"to": "agent-2", "text": "hi", "taskId": "task-9"})
	if res.IsError {
		t.Fatalf("send failed: %s", res.ForLLM)
	}
	if msg := b.ReceiveNext("agent-2"); msg.TaskID != "task-9" {
		t.Fatalf("override ignored: %+v", msg)
	}
}

func TestSpawnAgentValidatesBrief(t *testing.T) {
	tool := NewSpawnAgentTool(&fakeSpawner{})
	ctx := WithCaller(context.Background(), "agent-1")

	res := tool.Execute(ctx, map[string]interface{}{
		"roleId": "r1",
		"taskBrief": map[string]interface{}{
			"objective": "do it",
			"inputs":    "x",
		},
	})
	if !res.IsError {
		t.Fatalf("incomplete brief accepted")
	}
	for _, want := range []string{"constraints", "outputs", "completion_criteria"} {
		if !strings.Contains(res.ForLLM, want) {
			t.Fatalf("missing field %q not reported: %s", want, res.ForLLM)
		}
	}
}

func TestSpawnAgentReportsReuse(t *testing.T) {
	sp := &fakeSpawner{reused: true}
	tool := NewSpawnAgentTool(sp)
	ctx := WithCaller(context.Background(), "agent-1")
	ctx = WithCurrentMessage(ctx, &bus.Message{TaskID: "task-1"})

	res := tool.Execute(ctx, map[string]interface{}{
		"roleId": "r1",
		"taskBrief": map[string]interface{}{
			"objective": "o", "constraints": "c", "inputs": "i",
			"outputs": "out", "completion_criteria": "done",
		},
	})
	if res.IsError || !strings.Contains(res.ForLLM, "reusing") {
		t.Fatalf("result: %+v", res)
	}
	if sp.lastTaskID != "task-1" {
		t.Fatalf("taskId not forwarded: %q", sp.lastTaskID)
	}
}

func TestTerminateAgentForwardsFault(t *testing.T) {
	tool := NewTerminateAgentTool(&fakeSpawner{terminateErr: fault.New(fault.NotChildAgent)})
	ctx := WithCaller(context.Background(), "agent-1")
	res := tool.Execute(ctx, map[string]interface{}{"agentId": "other"})
	if fault.CodeOf(res.Err) != fault.NotChildAgent {
		t.Fatalf("result: %+v", res)
	}
}

func TestHTTPRequestRejectsNonHTTPS(t *testing.T) {
	tool := NewHTTPRequestTool(HTTPRequestConfig{})
	res := tool.Execute(context.Background(), map[string]interface{}{"url": "http://example.com"})
	if fault.CodeOf(res.Err) != fault.OnlyHTTPSAllowed {
		t.Fatalf("result: %+v", res)
	}
}

func TestHTTPRequestRejectsUnknownMethod(t *testing.T) {
	tool := NewHTTPRequestTool(HTTPRequestConfig{})
	res := tool.Execute(context.Background(), map[string]interface{}{
		"url":    "https://example.com",
		"method": "TRACE",
	})
	if fault.CodeOf(res.Err) != fault.InvalidMethod {
		t.Fatalf("result: %+v", res)
	}
}

func TestCompressContextTool(t *testing.T) {
	store := conv.NewStore()
	store.Ensure("agent-1", "sys")
	for i := 0; i < 10; i++ {
		store.Append("agent-1", llm.Message{Role: "user", Content: "m"})
	}
	tool := NewCompressContextTool(store)
	ctx := WithCaller(context.Background(), "agent-1")

	res := tool.Execute(ctx, map[string]interface{}{"summary": "S", "keepRecentCount": float64(3)})
	if res.IsError {
		t.Fatalf("compress failed: %s", res.ForLLM)
	}
	if !strings.Contains(res.ForLLM, `"compressed":true`) {
		t.Fatalf("result json: %s", res.ForLLM)
	}
	if store.Len("agent-1") != 5 {
		t.Fatalf("post-compress length = %d", store.Len("agent-1"))
	}
}

type fakeSpawner struct {
	reused       bool
	terminateErr error
	lastTaskID   string
}

func (f *fakeSpawner) SpawnAgent(ctx context.Context, caller, roleID, parentAgentID, taskID string, brief TaskBrief) (*org.Agent, bool, error) {
	f.lastTaskID = taskID
	return &org.Agent{AgentID: "child-1", RoleID: roleID, ParentAgentID: caller}, f.reused, nil
}

func (f *fakeSpawner) TerminateAgent(caller, agentID, reason string) error {
	return f.terminateErr
}
