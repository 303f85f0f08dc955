package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/agora/internal/bus"
	"github.com/nextlevelbuilder/agora/internal/conv"
	"github.com/nextlevelbuilder/agora/internal/llm"
	"github.com/nextlevelbuilder/agora/internal/llmpool"
	"github.com/nextlevelbuilder/agora/internal/org"
	"github.com/nextlevelbuilder/agora/internal/tools"
)

type scriptedClient struct {
	responses []*llm.ChatResponse
	calls     int
	lastReq   llm.ChatRequest
}

func (c *scriptedClient) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	c.lastReq = req
	idx := c.calls
	c.calls++
	if idx >= len(c.responses) {
		idx = len(c.responses) - 1
	}
	return c.responses[idx], nil
}

func (c *scriptedClient) ServiceID() string              { return "test" }
func (c *scriptedClient) Capabilities() llm.Capabilities { return llm.DefaultCapabilities() }

type echoTool struct{ executed int }

func (e *echoTool) Name() string                       { return "echo" }
func (e *echoTool) Description() string                { return "echo" }
func (e *echoTool) Parameters() map[string]interface{} { return map[string]interface{}{"type": "object"} }
func (e *echoTool) Groups() []string                   { return nil }
func (e *echoTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	e.executed++
	return tools.NewResult("echoed")
}

func newTestLoop(client ChatClient, reg *tools.Registry, maxRounds int) (*Loop, *conv.Store) {
	store := conv.NewStore()
	return NewLoop(LoopConfig{
		Resolve:       func(string) (ChatClient, error) { return client, nil },
		Pool:          llmpool.New(2),
		Conv:          store,
		Tools:         reg,
		MaxToolRounds: maxRounds,
	}), store
}

func testActors() (*org.Agent, *org.Role) {
	return &org.Agent{AgentID: "agent-1", RoleID: "r1"},
		&org.Role{RoleID: "r1", Name: "worker", RolePrompt: "do work"}
}

func TestLoopEndsNaturally(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{
		{Role: "assistant", Content: "done", ReasoningContent: "thought"},
	}}
	loop, store := newTestLoop(client, tools.NewRegistry(), 5)
	ag, role := testActors()

	err := loop.ProcessMessage(context.Background(), ag, role, &bus.Message{From: "user", Payload: bus.Payload{Text: "hi"}})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	turns := store.Get("agent-1")
	// system, user, assistant
	if len(turns) != 3 {
		t.Fatalf("turns: %+v", turns)
	}
	if turns[2].ReasoningContent != "thought" {
		t.Fatalf("reasoning not stored: %+v", turns[2])
	}
	if client.calls != 1 {
		t.Fatalf("calls = %d", client.calls)
	}
}

func TestLoopExecutesToolsThenEnds(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{
		{Role: "assistant", ToolCalls: []llm.ToolCall{{ID: "c1", Name: "echo", Arguments: map[string]any{}}}},
		{Role: "assistant", Content: "done"},
	}}
	reg := tools.NewRegistry()
	echo := &echoTool{}
	reg.Register(echo)
	loop, store := newTestLoop(client, reg, 5)
	ag, role := testActors()

	if err := loop.ProcessMessage(context.Background(), ag, role, &bus.Message{From: "user", Payload: bus.Payload{Text: "hi"}}); err != nil {
		t.Fatalf("process: %v", err)
	}
	if echo.executed != 1 {
		t.Fatalf("tool executed %d times", echo.executed)
	}
	turns := store.Get("agent-1")
	// system, user, assistant+tc, tool, assistant
	if len(turns) != 5 || turns[3].Role != "tool" || turns[3].ToolCallID != "c1" {
		t.Fatalf("turns: %+v", turns)
	}
}

func TestLoopBudgetExceeded(t *testing.T) {
	// Always asks for another tool round.
	client := &scriptedClient{responses: []*llm.ChatResponse{
		{Role: "assistant", ToolCalls: []llm.ToolCall{{ID: "c1", Name: "echo", Arguments: map[string]any{}}}},
	}}
	reg := tools.NewRegistry()
	echo := &echoTool{}
	reg.Register(echo)
	loop, store := newTestLoop(client, reg, 3)
	ag, role := testActors()

	if err := loop.ProcessMessage(context.Background(), ag, role, &bus.Message{From: "user", Payload: bus.Payload{Text: "go"}}); err != nil {
		t.Fatalf("budget exhaustion must not error: %v", err)
	}
	if client.calls != 3 {
		t.Fatalf("llm calls = %d, want 3", client.calls)
	}
	// The final round's calls are answered, not executed.
	if echo.executed != 2 {
		t.Fatalf("tool executed %d times, want 2", echo.executed)
	}
	turns := store.Get("agent-1")
	last := turns[len(turns)-1]
	if last.Role != "tool" || !strings.Contains(last.Content, "max_tool_rounds_exceeded") {
		t.Fatalf("synthetic failure turn: %+v", last)
	}
	if last.ToolCallID != "c1" {
		t.Fatalf("synthetic turn must bind the dangling tool call: %+v", last)
	}
}

func TestLoopSendsToolDefinitionsGated(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{{Role: "assistant", Content: "ok"}}}
	reg := tools.NewRegistry()
	reg.Register(&echoTool{})
	loop, _ := newTestLoop(client, reg, 5)
	ag, _ := testActors()
	role := &org.Role{RoleID: "r1", Name: "worker", ToolGroups: []string{}}

	if err := loop.ProcessMessage(context.Background(), ag, role, &bus.Message{From: "user", Payload: bus.Payload{Text: "hi"}}); err != nil {
		t.Fatalf("process: %v", err)
	}
	// echoTool has nil groups so it survives even an empty group set.
	if len(client.lastReq.Tools) != 1 {
		t.Fatalf("tools in request: %+v", client.lastReq.Tools)
	}
}

func TestComposeOmitsBaseForSystemAgents(t *testing.T) {
	role := &org.Role{RoleID: org.RoleRoot, Name: "root", RolePrompt: "you are root"}
	got := ComposeSystemPrompt(org.AgentRoot, role, []string{"send_message"})
	if got != "you are root" {
		t.Fatalf("system agent prompt: %q", got)
	}

	worker := &org.Role{RoleID: "r1", Name: "worker", RolePrompt: "dig"}
	full := ComposeSystemPrompt("agent-1", worker, []string{"send_message"})
	for _, want := range []string{"dig", "Tool rules", "agent-1", "send_message"} {
		if !strings.Contains(full, want) {
			t.Fatalf("composed prompt missing %q:\n%s", want, full)
		}
	}
}

func TestUserTurnNeverInSystemPrompt(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{{Role: "assistant", Content: "ok"}}}
	loop, store := newTestLoop(client, tools.NewRegistry(), 5)
	ag, role := testActors()

	msg := &bus.Message{From: "user", TaskID: "t1", Payload: bus.Payload{Text: "secret payload"}}
	if err := loop.ProcessMessage(context.Background(), ag, role, msg); err != nil {
		t.Fatalf("process: %v", err)
	}
	turns := store.Get("agent-1")
	if strings.Contains(turns[0].Content, "secret payload") {
		t.Fatalf("per-message content leaked into system turn")
	}
	if turns[1].Role != "user" || !strings.Contains(turns[1].Content, "secret payload") {
		t.Fatalf("user turn: %+v", turns[1])
	}
	if !strings.Contains(turns[1].Content, "from user") || !strings.Contains(turns[1].Content, "t1") {
		t.Fatalf("sender header missing: %q", turns[1].Content)
	}
}
