// Package runtime owns the dispatcher and wires the bus, org registry,
// conversation store, tool registry and LLM pool into one agent society.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agora/internal/agent"
	"github.com/nextlevelbuilder/agora/internal/bus"
	"github.com/nextlevelbuilder/agora/internal/conv"
	"github.com/nextlevelbuilder/agora/internal/fault"
	"github.com/nextlevelbuilder/agora/internal/llmpool"
	"github.com/nextlevelbuilder/agora/internal/org"
	"github.com/nextlevelbuilder/agora/internal/store"
	"github.com/nextlevelbuilder/agora/internal/tools"
)

// ComputeStatus is the per-agent dispatch state.
type ComputeStatus string

const (
	StatusIdle       ComputeStatus = "idle"
	StatusProcessing ComputeStatus = "processing"
	StatusWaitingLLM ComputeStatus = "waiting_llm"
)

// DefaultShutdownTimeout bounds the drain phase of a graceful shutdown.
const DefaultShutdownTimeout = 30 * time.Second

// Config assembles a Runtime. Bus, Org, Conv, Tools, Pool and Loop are
// required; the stores are optional persistence collaborators.
type Config struct {
	Bus   *bus.Bus
	Org   *org.Registry
	Conv  *conv.Store
	Tools *tools.Registry
	Pool  *llmpool.Pool
	Loop  *agent.Loop

	OrgStore        store.OrgStateStore
	ConvStore       store.ConversationStore
	Archive         store.MessageArchive
	ShutdownTimeout time.Duration
}

// Observer hooks for the HTTP event stream. All fire synchronously on
// runtime goroutines and must not block.
type Observer struct {
	OnComputeStatusChange func(agentID string, status ComputeStatus)
	OnError               func(agentID string, err error)
	OnToolCall            func(agentID, toolName string)
}

type spawnKey struct {
	caller string
	taskID string
}

// Runtime drives per-agent message processing.
type Runtime struct {
	bus   *bus.Bus
	org   *org.Registry
	conv  *conv.Store
	tools *tools.Registry
	pool  *llmpool.Pool
	loop  *agent.Loop

	orgStore  store.OrgStateStore
	convStore store.ConversationStore
	archive   store.MessageArchive

	shutdownTimeout time.Duration
	observer        Observer

	mu         sync.Mutex
	status     map[string]ComputeStatus
	agentLocks map[string]*sync.Mutex
	spawned    map[spawnKey]string

	stopRequested bool
	startedAt     time.Time

	workers sync.WaitGroup
	wake    chan struct{}
	stop    chan struct{}
	stopRun sync.Once
	done    chan struct{}
}

func New(cfg Config) *Runtime {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	r := &Runtime{
		bus:             cfg.Bus,
		org:             cfg.Org,
		conv:            cfg.Conv,
		tools:           cfg.Tools,
		pool:            cfg.Pool,
		loop:            cfg.Loop,
		orgStore:        cfg.OrgStore,
		convStore:       cfg.ConvStore,
		archive:         cfg.Archive,
		shutdownTimeout: cfg.ShutdownTimeout,
		status:          make(map[string]ComputeStatus),
		agentLocks:      make(map[string]*sync.Mutex),
		spawned:         make(map[spawnKey]string),
		wake:            make(chan struct{}, 1),
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
	r.bus.SetIsolation(r.isolationGuard)
	r.bus.OnEnqueue(func(agentID string) { r.notify() })
	if r.archive != nil {
		record := func(msg *bus.Message) {
			if err := r.archive.Record(context.Background(), msg); err != nil {
				slog.Warn("runtime.archive_failed", "message", msg.ID, "error", err)
			}
		}
		// Delayed messages have no delivery timestamp at send time; they are
		// archived when the tick moves them into their recipient queue.
		r.bus.OnAllMessages(func(msg *bus.Message) {
			if msg.DeliveredAt != nil {
				record(msg)
			}
		})
		r.bus.OnDelayedDelivery(record)
	}
	return r
}

// SetObserver installs event hooks. Call before Start.
func (r *Runtime) SetObserver(obs Observer) { r.observer = obs }

// isolationGuard is the cross-task rule: system agents always pass; within a
// task, the sender must be the task's entry agent or both ends must sit in
// the entry agent's subtree.
func (r *Runtime) isolationGuard(from, to, taskID string) error {
	if taskID == "" {
		return nil
	}
	if org.IsSystemAgent(from) || org.IsSystemAgent(to) {
		return nil
	}
	entry := r.org.TaskEntry(taskID)
	if entry == "" {
		// First non-system traffic on the task; the sender becomes the entry.
		r.org.SetTaskEntry(taskID, from)
		return nil
	}
	// The entry agent may address anyone on its task. Any other sender needs
	// both ends inside the entry's subtree; entry-as-recipient alone does not
	// qualify a sender from outside it.
	if from == entry {
		return nil
	}
	if r.org.IsDescendantOf(from, entry) && r.org.IsDescendantOf(to, entry) {
		return nil
	}
	return fault.Newf(fault.CrossTaskDenied, "%s -> %s on task %s", from, to, taskID)
}

// RestoreState reloads org state and conversations persisted by an earlier
// shutdown. Call before Start.
func (r *Runtime) RestoreState() error {
	if r.orgStore != nil {
		state, ok, err := r.orgStore.LoadState()
		if err != nil {
			return fmt.Errorf("load org state: %w", err)
		}
		if ok {
			r.org.Restore(state)
			slog.Info("runtime.org_state_restored", "roles", len(state.Roles), "agents", len(state.Agents))
		}
	}
	if r.convStore != nil {
		ids, err := r.convStore.ListConversations()
		if err != nil {
			return fmt.Errorf("list conversations: %w", err)
		}
		for _, id := range ids {
			turns, err := r.convStore.LoadConversation(id)
			if err != nil {
				slog.Warn("runtime.conversation_load_failed", "agent", id, "error", err)
				continue
			}
			r.conv.Restore(id, turns)
		}
	}
	return nil
}

// SubmitTask opens a new task by messaging root on behalf of the user.
func (r *Runtime) SubmitTask(text string) (string, error) {
	if text == "" {
		return "", fault.New(fault.MissingText)
	}
	taskID := uuid.NewString()
	r.org.SetTaskEntry(taskID, org.AgentRoot)
	_, err := r.bus.Send(bus.SendRequest{
		From:    org.AgentUser,
		To:      org.AgentRoot,
		TaskID:  taskID,
		Payload: bus.Payload{Text: text},
	})
	if err != nil {
		return "", err
	}
	return taskID, nil
}

// SendToAgent enqueues a user-originated message for an agent.
func (r *Runtime) SendToAgent(agentID string, payload bus.Payload) (*bus.SendReceipt, error) {
	if agentID == "" {
		return nil, fault.New(fault.MissingAgentID)
	}
	if _, err := r.org.GetAgent(agentID); err != nil {
		return nil, err
	}
	return r.bus.Send(bus.SendRequest{From: org.AgentUser, To: agentID, Payload: payload})
}

// SpawnAgent implements tools.Spawner. Non-root callers may only parent
// themselves; task-scoped spawns dedup on (caller, taskId), root on taskId.
func (r *Runtime) SpawnAgent(ctx context.Context, caller, roleID, parentAgentID, taskID string, brief tools.TaskBrief) (*org.Agent, bool, error) {
	role, err := r.org.GetRole(roleID)
	if err != nil {
		return nil, false, err
	}
	if role.Status != org.RoleActive {
		return nil, false, fault.Newf(fault.RoleAlreadyDeleted, "role %s", roleID)
	}

	if caller != org.AgentRoot {
		if parentAgentID != "" && parentAgentID != caller {
			return nil, false, fault.Newf(fault.InvalidParentAgentID, "caller %s cannot parent under %s", caller, parentAgentID)
		}
		parentAgentID = caller
	} else if parentAgentID == "" {
		parentAgentID = org.AgentRoot
	}

	if caller != org.AgentRoot {
		callerAgent, err := r.org.GetAgent(caller)
		if err != nil {
			return nil, false, err
		}
		if !r.org.RoleDescendantOf(roleID, callerAgent.RoleID) && role.CreatedBy != org.AgentRoot {
			return nil, false, fault.Newf(fault.NotChildRole, "role %s is not under caller's role %s", roleID, callerAgent.RoleID)
		}
	}

	key := spawnKey{caller: caller, taskID: taskID}
	if caller == org.AgentRoot {
		key.caller = ""
	}
	if taskID != "" {
		r.mu.Lock()
		existingID, ok := r.spawned[key]
		r.mu.Unlock()
		if ok {
			if existing, err := r.org.GetAgent(existingID); err == nil && existing.Status == org.AgentActive {
				return existing, true, nil
			}
		}
	}

	child, err := r.org.CreateAgent(roleID, parentAgentID, role.Name)
	if err != nil {
		return nil, false, err
	}
	if taskID != "" {
		r.mu.Lock()
		r.spawned[key] = child.AgentID
		r.mu.Unlock()
	}

	// Kick the child off with its brief.
	_, err = r.bus.Send(bus.SendRequest{
		From:   caller,
		To:     child.AgentID,
		TaskID: taskID,
		Payload: bus.Payload{Text: fmt.Sprintf(
			"Task brief\nObjective: %s\nConstraints: %s\nInputs: %s\nOutputs: %s\nCompletion criteria: %s",
			brief.Objective, brief.Constraints, brief.Inputs, brief.Outputs, brief.CompletionCriteria)},
	})
	if err != nil {
		slog.Warn("runtime.brief_send_failed", "child", child.AgentID, "error", err)
	}
	slog.Info("runtime.spawned", "agent", child.AgentID, "role", roleID, "parent", parentAgentID, "task", taskID)
	return child, false, nil
}

// TerminateAgent implements tools.Spawner. Only the direct parent may
// terminate; the agent's queue, conversation and metadata are dropped.
func (r *Runtime) TerminateAgent(caller, agentID, reason string) error {
	if org.IsSystemAgent(agentID) {
		return fault.Newf(fault.CannotDeleteSystemAgent, "agent %s", agentID)
	}
	ag, err := r.org.GetAgent(agentID)
	if err != nil {
		return err
	}
	if ag.ParentAgentID != caller {
		return fault.Newf(fault.NotChildAgent, "%s is not the parent of %s", caller, agentID)
	}
	if _, err := r.org.RecordTermination(agentID, caller, reason); err != nil {
		return err
	}
	r.pool.Cancel(agentID)
	r.bus.ClearQueue(agentID)
	r.conv.Delete(agentID)
	if r.convStore != nil {
		if err := r.convStore.DeleteConversation(agentID); err != nil {
			slog.Warn("runtime.conversation_delete_failed", "agent", agentID, "error", err)
		}
	}

	r.mu.Lock()
	delete(r.status, agentID)
	for k, v := range r.spawned {
		if v == agentID {
			delete(r.spawned, k)
		}
	}
	r.mu.Unlock()
	slog.Info("runtime.terminated", "agent", agentID, "by", caller, "reason", reason)
	return nil
}

// AbortResult is the outcome of AbortAgentLLMCall.
type AbortResult struct {
	OK      bool   `json:"ok"`
	Aborted bool   `json:"aborted"`
	Reason  string `json:"reason,omitempty"`
}

// AbortAgentLLMCall aborts an in-flight LLM request. The agent stays
// registered and keeps accepting messages.
func (r *Runtime) AbortAgentLLMCall(agentID string) AbortResult {
	if agentID == "" {
		return AbortResult{OK: false, Reason: string(fault.MissingAgentID)}
	}
	if _, err := r.org.GetAgent(agentID); err != nil {
		return AbortResult{OK: false, Reason: string(fault.AgentNotFound)}
	}
	switch r.Status(agentID) {
	case StatusWaitingLLM, StatusProcessing:
		if r.pool.Cancel(agentID) {
			return AbortResult{OK: true, Aborted: true}
		}
		return AbortResult{OK: true, Aborted: false, Reason: "not_active"}
	default:
		return AbortResult{OK: true, Aborted: false, Reason: "not_active"}
	}
}

// Status returns the agent's compute status, idle when unknown.
func (r *Runtime) Status(agentID string) ComputeStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.status[agentID]; ok {
		return s
	}
	return StatusIdle
}

// PoolStats proxies the LLM pool counters.
func (r *Runtime) PoolStats() llmpool.Stats { return r.pool.Stats() }

// Org exposes the registry for read-oriented surfaces (HTTP, CLI).
func (r *Runtime) Org() *org.Registry { return r.org }

// MessageBus exposes the bus for event subscribers.
func (r *Runtime) MessageBus() *bus.Bus { return r.bus }

// Archive returns the message archive, nil when archiving is off.
func (r *Runtime) Archive() store.MessageArchive { return r.archive }

// Uptime reports time since Start, zero before it.
func (r *Runtime) Uptime() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startedAt.IsZero() {
		return 0
	}
	return time.Since(r.startedAt)
}

func (r *Runtime) notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// agentLock returns the per-agent status mutex, creating it lazily.
func (r *Runtime) agentLock(agentID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.agentLocks[agentID]
	if !ok {
		l = &sync.Mutex{}
		r.agentLocks[agentID] = l
	}
	return l
}

func (r *Runtime) setStatus(agentID string, s ComputeStatus) {
	lock := r.agentLock(agentID)
	lock.Lock()
	r.mu.Lock()
	r.status[agentID] = s
	r.mu.Unlock()
	lock.Unlock()
	if r.observer.OnComputeStatusChange != nil {
		r.observer.OnComputeStatusChange(agentID, s)
	}
}

// tryClaim atomically lifts an idle agent into processing. Returns false
// when the agent is already in flight.
func (r *Runtime) tryClaim(agentID string) bool {
	lock := r.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status[agentID] != "" && r.status[agentID] != StatusIdle {
		return false
	}
	r.status[agentID] = StatusProcessing
	return true
}
