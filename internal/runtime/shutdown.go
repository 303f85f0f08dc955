package runtime

import (
	"log/slog"
	"time"
)

// ShutdownSummary reports what a graceful shutdown left behind.
type ShutdownSummary struct {
	OK              bool  `json:"ok"`
	DurationMs      int64 `json:"durationMs"`
	PendingMessages int   `json:"pendingMessages"`
	ActiveAgents    int   `json:"activeAgents"`
}

// Shutdown drains in-flight behaviors, flushes delayed messages and persists
// state. A second call returns ok=false without doing anything.
func (r *Runtime) Shutdown() ShutdownSummary {
	r.mu.Lock()
	if r.stopRequested {
		r.mu.Unlock()
		return ShutdownSummary{OK: false}
	}
	r.stopRequested = true
	r.mu.Unlock()

	start := time.Now()
	slog.Info("runtime.shutdown_started")

	// Stop lifting new messages.
	r.stopRun.Do(func() { close(r.stop) })
	<-r.done

	// Drain behaviors currently in flight.
	drained := make(chan struct{})
	go func() {
		r.workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(r.shutdownTimeout):
		slog.Warn("runtime.shutdown_timeout",
			"timeout", r.shutdownTimeout,
			"undelivered_delayed", r.bus.DelayedCount(),
			"active_agents", r.activeCount())
	}

	// Flush delayed messages into their queues, then stop the tick loop.
	flushed := r.bus.Flush()
	if len(flushed) > 0 {
		slog.Info("runtime.shutdown_flushed_delayed", "count", len(flushed))
	}
	r.bus.Stop()

	r.persist()

	summary := ShutdownSummary{
		OK:              true,
		DurationMs:      time.Since(start).Milliseconds(),
		PendingMessages: r.bus.PendingCount(),
		ActiveAgents:    r.activeCount(),
	}
	slog.Info("runtime.shutdown_complete",
		"duration_ms", summary.DurationMs,
		"pending_messages", summary.PendingMessages,
		"active_agents", summary.ActiveAgents)
	return summary
}

// persist writes org state and conversations. Failures are logged, never
// aborting shutdown.
func (r *Runtime) persist() {
	if r.orgStore != nil {
		if err := r.orgStore.SaveState(r.org.Snapshot()); err != nil {
			slog.Error("runtime.persist_org_failed", "error", err)
		}
	}
	if r.convStore != nil {
		for _, ag := range r.org.ListAgents() {
			turns := r.conv.Get(ag.AgentID)
			if len(turns) == 0 {
				continue
			}
			if err := r.convStore.SaveConversation(ag.AgentID, turns); err != nil {
				slog.Error("runtime.persist_conversation_failed", "agent", ag.AgentID, "error", err)
			}
		}
	}
	if r.archive != nil {
		if err := r.archive.Close(); err != nil {
			slog.Error("runtime.archive_close_failed", "error", err)
		}
	}
}

// activeCount counts agents not currently idle.
func (r *Runtime) activeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.status {
		if s != StatusIdle {
			n++
		}
	}
	return n
}
