package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/agora/internal/bus"
	"github.com/nextlevelbuilder/agora/internal/org"
)

// dispatchInterval is the fallback poll when no enqueue wakes the scheduler.
const dispatchInterval = 50 * time.Millisecond

// Start launches the bus ticker and the dispatch scheduler.
func (r *Runtime) Start() {
	r.mu.Lock()
	r.startedAt = time.Now()
	r.mu.Unlock()
	r.bus.Start()

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(dispatchInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-r.wake:
			case <-ticker.C:
			}
			r.dispatchOnce()
		}
	}()
}

// OnWaitLLM is handed to the agent loop so LLM waits show as waiting_llm.
func (r *Runtime) OnWaitLLM(agentID string, waiting bool) {
	if waiting {
		r.setStatus(agentID, StatusWaitingLLM)
	} else {
		r.setStatus(agentID, StatusProcessing)
	}
}

// OnToolCall forwards tool-call observations to the runtime observer.
func (r *Runtime) OnToolCall(agentID, toolName string) {
	if r.observer.OnToolCall != nil {
		r.observer.OnToolCall(agentID, toolName)
	}
}

// dispatchOnce lifts at most one message per idle agent with pending mail.
func (r *Runtime) dispatchOnce() {
	r.mu.Lock()
	stopping := r.stopRequested
	r.mu.Unlock()
	if stopping {
		return
	}

	for _, agentID := range r.mailboxOwners() {
		if !r.tryClaim(agentID) {
			continue
		}
		msg := r.bus.ReceiveNext(agentID)
		if msg == nil {
			r.setStatus(agentID, StatusIdle)
			continue
		}
		if r.observer.OnComputeStatusChange != nil {
			r.observer.OnComputeStatusChange(agentID, StatusProcessing)
		}
		r.workers.Add(1)
		go r.runBehavior(agentID, msg)
	}
}

// mailboxOwners lists agents that currently have queued messages.
func (r *Runtime) mailboxOwners() []string {
	ids := []string{org.AgentRoot, org.AgentUser}
	for _, a := range r.org.ListAgents() {
		if !org.IsSystemAgent(a.AgentID) {
			ids = append(ids, a.AgentID)
		}
	}
	var out []string
	for _, id := range ids {
		if r.bus.QueueLength(id) > 0 {
			out = append(out, id)
		}
	}
	return out
}

// runBehavior processes one message for one agent, isolating failures.
func (r *Runtime) runBehavior(agentID string, msg *bus.Message) {
	defer r.workers.Done()
	defer func() {
		if rec := recover(); rec != nil {
			r.isolateError(agentID, msg, fmt.Errorf("behavior panic: %v", rec))
		}
		r.setStatus(agentID, StatusIdle)
		r.notify()
	}()

	ag, err := r.org.GetAgent(agentID)
	if err != nil {
		// Terminated while the message was queued.
		slog.Debug("dispatch.skip_unknown_agent", "agent", agentID, "message", msg.ID)
		return
	}
	if ag.Status != org.AgentActive {
		slog.Debug("dispatch.skip_terminated_agent", "agent", agentID, "message", msg.ID)
		return
	}
	role, err := r.org.GetRole(ag.RoleID)
	if err != nil {
		r.isolateError(agentID, msg, err)
		return
	}

	if err := r.loop.ProcessMessage(context.Background(), ag, role, msg); err != nil {
		r.isolateError(agentID, msg, err)
	}
}

// isolateError logs a behavior failure, emits the error event and notifies
// the agent's parent. Other agents are unaffected.
func (r *Runtime) isolateError(agentID string, msg *bus.Message, err error) {
	slog.Error("dispatch.behavior_failed", "agent", agentID, "message", msg.ID, "error", err)
	if r.observer.OnError != nil {
		r.observer.OnError(agentID, err)
	}

	ag, getErr := r.org.GetAgent(agentID)
	if getErr != nil || ag.ParentAgentID == "" {
		return
	}
	_, sendErr := r.bus.Send(bus.SendRequest{
		From:    agentID,
		To:      ag.ParentAgentID,
		TaskID:  msg.TaskID,
		Payload: bus.Payload{Text: fmt.Sprintf("[error] agent %s failed while processing a message: %v", agentID, err)},
	})
	if sendErr != nil {
		slog.Warn("dispatch.parent_notify_failed", "agent", agentID, "parent", ag.ParentAgentID, "error", sendErr)
	}
}
