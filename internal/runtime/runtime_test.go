package runtime

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agora/internal/agent"
	"github.com/nextlevelbuilder/agora/internal/bus"
	"github.com/nextlevelbuilder/agora/internal/conv"
	"github.com/nextlevelbuilder/agora/internal/fault"
	"github.com/nextlevelbuilder/agora/internal/llm"
	"github.com/nextlevelbuilder/agora/internal/llmpool"
	"github.com/nextlevelbuilder/agora/internal/org"
	"github.com/nextlevelbuilder/agora/internal/store"
	"github.com/nextlevelbuilder/agora/internal/tools"
)

// quietClient answers every chat with a plain assistant turn.
type quietClient struct {
	mu    sync.Mutex
	calls int
	block chan struct{} // when set, Chat waits for close or ctx cancel
}

func (c *quietClient) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	c.mu.Lock()
	c.calls++
	block := c.block
	c.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, fault.Wrap(fault.RequestAborted, ctx.Err())
		}
	}
	return &llm.ChatResponse{Role: "assistant", Content: "ok"}, nil
}

func (c *quietClient) ServiceID() string              { return "test" }
func (c *quietClient) Capabilities() llm.Capabilities { return llm.DefaultCapabilities() }

func (c *quietClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func newTestRuntime(t *testing.T, client agent.ChatClient) *Runtime {
	t.Helper()
	b := bus.New()
	reg := org.NewRegistry()
	cs := conv.NewStore()
	pool := llmpool.New(2)
	toolReg := tools.NewRegistry()
	loop := agent.NewLoop(agent.LoopConfig{
		Resolve: func(string) (agent.ChatClient, error) { return client, nil },
		Pool:    pool,
		Conv:    cs,
		Tools:   toolReg,
	})
	return New(Config{
		Bus: b, Org: reg, Conv: cs, Tools: toolReg, Pool: pool, Loop: loop,
		ShutdownTimeout: 2 * time.Second,
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSubmitTaskReachesRoot(t *testing.T) {
	client := &quietClient{}
	rt := newTestRuntime(t, client)
	rt.Start()
	defer rt.Shutdown()

	taskID, err := rt.SubmitTask("build me a thing")
	if err != nil || taskID == "" {
		t.Fatalf("submit: %q %v", taskID, err)
	}
	waitFor(t, "root to process", func() bool { return client.callCount() >= 1 })
	waitFor(t, "root back to idle", func() bool { return rt.Status(org.AgentRoot) == StatusIdle })
}

func TestCrossTaskIsolation(t *testing.T) {
	client := &quietClient{}
	rt := newTestRuntime(t, client)

	role, err := rt.org.CreateRole("worker", "work", "", nil, org.AgentRoot)
	if err != nil {
		t.Fatalf("create role: %v", err)
	}
	entry, _ := rt.org.CreateAgent(role.RoleID, org.AgentRoot, "entry")
	child, _ := rt.org.CreateAgent(role.RoleID, entry.AgentID, "child")
	outsider, _ := rt.org.CreateAgent(role.RoleID, org.AgentRoot, "outsider")

	rt.org.SetTaskEntry("t1", entry.AgentID)

	// Entry and its subtree may talk on the task.
	if _, err := rt.bus.Send(bus.SendRequest{From: entry.AgentID, To: child.AgentID, TaskID: "t1", Payload: bus.Payload{Text: "go"}}); err != nil {
		t.Fatalf("entry -> child: %v", err)
	}
	if _, err := rt.bus.Send(bus.SendRequest{From: child.AgentID, To: entry.AgentID, TaskID: "t1", Payload: bus.Payload{Text: "done"}}); err != nil {
		t.Fatalf("child -> entry within subtree: %v", err)
	}

	// An agent outside the subtree is rejected, not buffered.
	_, err = rt.bus.Send(bus.SendRequest{From: outsider.AgentID, To: child.AgentID, TaskID: "t1", Payload: bus.Payload{Text: "hi"}})
	if fault.CodeOf(err) != fault.CrossTaskDenied {
		t.Fatalf("outsider send: %v", err)
	}
	if rt.bus.QueueLength(child.AgentID) != 1 {
		t.Fatalf("rejected send must not be buffered")
	}

	// System agents always pass.
	if _, err := rt.bus.Send(bus.SendRequest{From: org.AgentUser, To: child.AgentID, TaskID: "t1", Payload: bus.Payload{Text: "status?"}}); err != nil {
		t.Fatalf("user -> child: %v", err)
	}
}

func TestTaskFreeTrafficAllowed(t *testing.T) {
	rt := newTestRuntime(t, &quietClient{})
	role, _ := rt.org.CreateRole("worker", "work", "", nil, org.AgentRoot)
	a, _ := rt.org.CreateAgent(role.RoleID, org.AgentRoot, "a")
	b, _ := rt.org.CreateAgent(role.RoleID, org.AgentRoot, "b")
	if _, err := rt.bus.Send(bus.SendRequest{From: a.AgentID, To: b.AgentID, Payload: bus.Payload{Text: "hello"}}); err != nil {
		t.Fatalf("task-free send: %v", err)
	}
}

func TestSpawnParentValidation(t *testing.T) {
	rt := newTestRuntime(t, &quietClient{})
	role, _ := rt.org.CreateRole("worker", "work", "", nil, org.AgentRoot)
	caller, _ := rt.org.CreateAgent(role.RoleID, org.AgentRoot, "caller")

	brief := tools.TaskBrief{Objective: "o", Constraints: "c", Inputs: "i", Outputs: "out", CompletionCriteria: "done"}
	_, _, err := rt.SpawnAgent(context.Background(), caller.AgentID, role.RoleID, "someone-else", "", brief)
	if fault.CodeOf(err) != fault.InvalidParentAgentID {
		t.Fatalf("foreign parent: %v", err)
	}

	// Omitting the parent defaults to the caller.
	child, reused, err := rt.SpawnAgent(context.Background(), caller.AgentID, role.RoleID, "", "", brief)
	if err != nil || reused {
		t.Fatalf("spawn: %v reused=%v", err, reused)
	}
	if child.ParentAgentID != caller.AgentID {
		t.Fatalf("parent = %s", child.ParentAgentID)
	}
	// The brief lands in the child's queue.
	msg := rt.bus.ReceiveNext(child.AgentID)
	if msg == nil || !strings.Contains(msg.Payload.Text, "Objective: o") {
		t.Fatalf("brief message: %+v", msg)
	}
}

func TestSpawnRoleHierarchy(t *testing.T) {
	rt := newTestRuntime(t, &quietClient{})
	// rootRole is created by root, callable from anyone.
	rootRole, _ := rt.org.CreateRole("generalist", "help", "", nil, org.AgentRoot)
	caller, _ := rt.org.CreateAgent(rootRole.RoleID, org.AgentRoot, "caller")
	// siblingRole is created by a different agent; not under the caller.
	other, _ := rt.org.CreateAgent(rootRole.RoleID, org.AgentRoot, "other")
	siblingRole, _ := rt.org.CreateRole("private", "secret", "", nil, other.AgentID)

	brief := tools.TaskBrief{Objective: "o", Constraints: "c", Inputs: "i", Outputs: "out", CompletionCriteria: "done"}
	_, _, err := rt.SpawnAgent(context.Background(), caller.AgentID, siblingRole.RoleID, "", "", brief)
	if fault.CodeOf(err) != fault.NotChildRole {
		t.Fatalf("sibling role spawn: %v", err)
	}

	// Root-created roles are callable from anywhere.
	if _, _, err := rt.SpawnAgent(context.Background(), caller.AgentID, rootRole.RoleID, "", "", brief); err != nil {
		t.Fatalf("root-created role spawn: %v", err)
	}
}

func TestSpawnDedupByCallerAndTask(t *testing.T) {
	rt := newTestRuntime(t, &quietClient{})
	role, _ := rt.org.CreateRole("worker", "work", "", nil, org.AgentRoot)
	caller, _ := rt.org.CreateAgent(role.RoleID, org.AgentRoot, "caller")
	other, _ := rt.org.CreateAgent(role.RoleID, org.AgentRoot, "other")
	rt.org.SetTaskEntry("t1", caller.AgentID)

	brief := tools.TaskBrief{Objective: "o", Constraints: "c", Inputs: "i", Outputs: "out", CompletionCriteria: "done"}
	first, reused, err := rt.SpawnAgent(context.Background(), caller.AgentID, role.RoleID, "", "t1", brief)
	if err != nil || reused {
		t.Fatalf("first spawn: %v", err)
	}
	second, reused, err := rt.SpawnAgent(context.Background(), caller.AgentID, role.RoleID, "", "t1", brief)
	if err != nil || !reused || second.AgentID != first.AgentID {
		t.Fatalf("second spawn: %+v reused=%v err=%v", second, reused, err)
	}

	// A different caller on the same task gets its own child.
	rt.org.SetTaskEntry("t1", caller.AgentID)
	third, reused, err := rt.SpawnAgent(context.Background(), other.AgentID, role.RoleID, "", "t1", brief)
	if err != nil || reused || third.AgentID == first.AgentID {
		t.Fatalf("third spawn: %+v reused=%v err=%v", third, reused, err)
	}
}

func TestTerminateOnlyByParent(t *testing.T) {
	rt := newTestRuntime(t, &quietClient{})
	role, _ := rt.org.CreateRole("worker", "work", "", nil, org.AgentRoot)
	parent, _ := rt.org.CreateAgent(role.RoleID, org.AgentRoot, "parent")
	child, _ := rt.org.CreateAgent(role.RoleID, parent.AgentID, "child")
	stranger, _ := rt.org.CreateAgent(role.RoleID, org.AgentRoot, "stranger")

	if err := rt.TerminateAgent(stranger.AgentID, child.AgentID, "nope"); fault.CodeOf(err) != fault.NotChildAgent {
		t.Fatalf("stranger terminate: %v", err)
	}
	if err := rt.TerminateAgent(parent.AgentID, org.AgentRoot, "nope"); fault.CodeOf(err) != fault.CannotDeleteSystemAgent {
		t.Fatalf("system terminate: %v", err)
	}

	rt.conv.Ensure(child.AgentID, "sys")
	if err := rt.TerminateAgent(parent.AgentID, child.AgentID, "done"); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if rt.conv.Len(child.AgentID) != 0 {
		t.Fatalf("conversation survived termination")
	}
	if err := rt.TerminateAgent(parent.AgentID, child.AgentID, "again"); fault.CodeOf(err) != fault.AgentAlreadyTerminated {
		t.Fatalf("double terminate: %v", err)
	}
}

func TestAbortAgentLLMCall(t *testing.T) {
	client := &quietClient{block: make(chan struct{})}
	rt := newTestRuntime(t, client)
	rt.loop = agent.NewLoop(agent.LoopConfig{
		Resolve:   func(string) (agent.ChatClient, error) { return client, nil },
		Pool:      rt.pool,
		Conv:      rt.conv,
		Tools:     rt.tools,
		OnWaitLLM: rt.OnWaitLLM,
	})
	rt.Start()
	defer rt.Shutdown()

	if res := rt.AbortAgentLLMCall(""); res.OK || res.Reason != string(fault.MissingAgentID) {
		t.Fatalf("empty id: %+v", res)
	}
	if res := rt.AbortAgentLLMCall("ghost"); res.OK || res.Reason != string(fault.AgentNotFound) {
		t.Fatalf("unknown agent: %+v", res)
	}
	if res := rt.AbortAgentLLMCall(org.AgentRoot); !res.OK || res.Aborted || res.Reason != "not_active" {
		t.Fatalf("idle abort: %+v", res)
	}

	if _, err := rt.SubmitTask("long think"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, "root waiting on llm", func() bool { return rt.Status(org.AgentRoot) == StatusWaitingLLM })

	res := rt.AbortAgentLLMCall(org.AgentRoot)
	if !res.OK || !res.Aborted {
		t.Fatalf("abort: %+v", res)
	}
	waitFor(t, "root idle after abort", func() bool { return rt.Status(org.AgentRoot) == StatusIdle })

	// The agent stays registered and accepts new messages.
	close(client.block)
	client.mu.Lock()
	client.block = nil
	client.mu.Unlock()
	if _, err := rt.SubmitTask("try again"); err != nil {
		t.Fatalf("submit after abort: %v", err)
	}
}

func TestErrorIsolationNotifiesParent(t *testing.T) {
	client := &quietClient{}
	rt := newTestRuntime(t, client)
	// A loop whose resolve always fails makes every behavior raise.
	rt.loop = agent.NewLoop(agent.LoopConfig{
		Resolve: func(string) (agent.ChatClient, error) {
			return nil, fault.Newf(fault.LLMCallFailedAfterRetries, "no service")
		},
		Pool: rt.pool, Conv: rt.conv, Tools: rt.tools,
	})

	role, _ := rt.org.CreateRole("worker", "work", "", nil, org.AgentRoot)
	parent, _ := rt.org.CreateAgent(role.RoleID, org.AgentRoot, "parent")
	child, _ := rt.org.CreateAgent(role.RoleID, parent.AgentID, "child")

	var mu sync.Mutex
	var errSeen error
	var errAgent string
	var parentNotice string
	rt.SetObserver(Observer{OnError: func(agentID string, err error) {
		mu.Lock()
		errAgent, errSeen = agentID, err
		mu.Unlock()
	}})
	rt.bus.OnAllMessages(func(msg *bus.Message) {
		if msg.To == parent.AgentID && msg.From == child.AgentID {
			mu.Lock()
			parentNotice = msg.Payload.Text
			mu.Unlock()
		}
	})
	rt.Start()
	defer rt.Shutdown()

	if _, err := rt.bus.Send(bus.SendRequest{From: parent.AgentID, To: child.AgentID, Payload: bus.Payload{Text: "work"}}); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "parent notified", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return parentNotice != ""
	})
	mu.Lock()
	gotAgent, gotErr, gotNotice := errAgent, errSeen, parentNotice
	mu.Unlock()
	if gotAgent != child.AgentID || gotErr == nil {
		t.Fatalf("error event: agent=%s err=%v", gotAgent, gotErr)
	}
	if !strings.Contains(gotNotice, "[error]") || !strings.Contains(gotNotice, child.AgentID) {
		t.Fatalf("parent notice: %q", gotNotice)
	}
	waitFor(t, "child back to idle", func() bool { return rt.Status(child.AgentID) == StatusIdle })
}

func TestShutdownIdempotent(t *testing.T) {
	rt := newTestRuntime(t, &quietClient{})
	rt.Start()

	// Park a delayed message so shutdown has something to flush.
	if _, err := rt.bus.Send(bus.SendRequest{From: org.AgentUser, To: org.AgentRoot, Payload: bus.Payload{Text: "later"}, DelayMs: 60_000}); err != nil {
		t.Fatalf("delayed send: %v", err)
	}

	first := rt.Shutdown()
	if !first.OK {
		t.Fatalf("first shutdown: %+v", first)
	}
	if rt.bus.DelayedCount() != 0 {
		t.Fatalf("delayed messages not flushed")
	}
	second := rt.Shutdown()
	if second.OK {
		t.Fatalf("second shutdown must report ok=false: %+v", second)
	}
}

// memArchive is an in-memory store.MessageArchive. It counts Record calls
// that arrive without a delivery timestamp.
type memArchive struct {
	mu          sync.Mutex
	rows        []store.ArchivedMessage
	undelivered int
}

func (m *memArchive) Record(_ context.Context, msg *bus.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.DeliveredAt == nil {
		m.undelivered++
		return nil
	}
	for _, r := range m.rows {
		if r.ID == msg.ID.String() {
			return nil
		}
	}
	m.rows = append(m.rows, store.ArchivedMessage{
		ID: msg.ID.String(), From: msg.From, To: msg.To, TaskID: msg.TaskID,
		Text: msg.Payload.Text, CreatedAt: msg.CreatedAt, DeliveredAt: *msg.DeliveredAt,
	})
	return nil
}

func (m *memArchive) ListByTask(_ context.Context, taskID string, _ int) ([]store.ArchivedMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.ArchivedMessage
	for _, r := range m.rows {
		if r.TaskID == taskID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memArchive) ListByAgent(_ context.Context, agentID string, _ int) ([]store.ArchivedMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.ArchivedMessage
	for _, r := range m.rows {
		if r.From == agentID || r.To == agentID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memArchive) Close() error { return nil }

func (m *memArchive) rowTexts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, r := range m.rows {
		out = append(out, r.Text)
	}
	return out
}

func TestDelayedMessageArchivedOnDelivery(t *testing.T) {
	client := &quietClient{}
	b := bus.New()
	reg := org.NewRegistry()
	cs := conv.NewStore()
	pool := llmpool.New(2)
	toolReg := tools.NewRegistry()
	loop := agent.NewLoop(agent.LoopConfig{
		Resolve: func(string) (agent.ChatClient, error) { return client, nil },
		Pool:    pool,
		Conv:    cs,
		Tools:   toolReg,
	})
	arch := &memArchive{}
	rt := New(Config{
		Bus: b, Org: reg, Conv: cs, Tools: toolReg, Pool: pool, Loop: loop,
		Archive:         arch,
		ShutdownTimeout: 2 * time.Second,
	})
	rt.Start()
	defer rt.Shutdown()

	// Immediate sends archive at send time.
	if _, err := rt.bus.Send(bus.SendRequest{From: org.AgentUser, To: org.AgentRoot, Payload: bus.Payload{Text: "now"}}); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "immediate message archived", func() bool { return len(arch.rowTexts()) == 1 })

	// Delayed sends archive when the tick delivers them, not before.
	if _, err := rt.bus.Send(bus.SendRequest{From: org.AgentUser, To: org.AgentRoot, Payload: bus.Payload{Text: "later"}, DelayMs: 200}); err != nil {
		t.Fatalf("delayed send: %v", err)
	}
	if texts := arch.rowTexts(); len(texts) != 1 {
		t.Fatalf("delayed message archived before delivery: %v", texts)
	}
	waitFor(t, "delayed message archived", func() bool {
		texts := arch.rowTexts()
		return len(texts) == 2 && texts[1] == "later"
	})

	rows, err := arch.ListByAgent(context.Background(), org.AgentRoot, 0)
	if err != nil {
		t.Fatalf("ListByAgent: %v", err)
	}
	if len(rows) != 2 || rows[1].DeliveredAt.IsZero() {
		t.Fatalf("archived rows: %+v", rows)
	}

	arch.mu.Lock()
	undelivered := arch.undelivered
	arch.mu.Unlock()
	if undelivered != 0 {
		t.Fatalf("archive saw %d records with no delivery timestamp", undelivered)
	}
}
