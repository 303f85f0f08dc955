// Package llmpool globally caps concurrent LLM requests and enforces at most
// one active request per agent. Admission is FIFO; aborts cancel the call's
// context, which the client reports as request_aborted.
package llmpool

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/agora/internal/fault"
	"github.com/nextlevelbuilder/agora/internal/llm"
)

// DefaultMaxConcurrent is the default global request cap.
const DefaultMaxConcurrent = 2

// RequestFunc is the underlying LLM call. The context carries the abort
// handle; cancelling it aborts the call.
type RequestFunc func(ctx context.Context) (*llm.ChatResponse, error)

// Stats is a by-value snapshot of the pool counters.
type Stats struct {
	ActiveCount       int   `json:"activeCount"`
	QueueLength       int   `json:"queueLength"`
	TotalRequests     int64 `json:"totalRequests"`
	CompletedRequests int64 `json:"completedRequests"`
	RejectedRequests  int64 `json:"rejectedRequests"`
}

type result struct {
	resp *llm.ChatResponse
	err  error
}

type pending struct {
	agentID string
	fn      RequestFunc
	ctx     context.Context
	done    chan result
}

// Pool is the concurrency controller. All methods are safe for concurrent use.
type Pool struct {
	mu      sync.Mutex
	max     int
	active  map[string]context.CancelFunc // agentID → abort handle
	queued  []*pending
	waiting map[string]*pending // agentID → queued entry

	total     int64
	completed int64
	rejected  int64
}

// New creates a pool with the given cap; n <= 0 falls back to the default.
func New(maxConcurrent int) *Pool {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Pool{
		max:     maxConcurrent,
		active:  make(map[string]context.CancelFunc),
		waiting: make(map[string]*pending),
	}
}

// Execute admits, queues, or rejects a request and blocks until it settles.
// Rejections (missing agent id, agent already active) return immediately.
func (p *Pool) Execute(ctx context.Context, agentID string, fn RequestFunc) (*llm.ChatResponse, error) {
	p.mu.Lock()
	p.total++
	if agentID == "" {
		p.rejected++
		p.mu.Unlock()
		return nil, fault.New(fault.RejectedMissingAgentID)
	}
	if _, isActive := p.active[agentID]; isActive {
		p.rejected++
		p.mu.Unlock()
		return nil, fault.Newf(fault.AgentAlreadyActive, "agent %s", agentID)
	}
	if _, isQueued := p.waiting[agentID]; isQueued {
		p.rejected++
		p.mu.Unlock()
		return nil, fault.Newf(fault.AgentAlreadyActive, "agent %s", agentID)
	}

	req := &pending{agentID: agentID, fn: fn, ctx: ctx, done: make(chan result, 1)}
	if len(p.active) < p.max {
		p.startLocked(req)
	} else {
		p.queued = append(p.queued, req)
		p.waiting[agentID] = req
		slog.Debug("llmpool.queued", "agent", agentID, "queue_len", len(p.queued))
	}
	p.mu.Unlock()

	res := <-req.done
	return res.resp, res.err
}

// startLocked records the request as active and launches it. Caller holds mu.
func (p *Pool) startLocked(req *pending) {
	callCtx, cancel := context.WithCancel(req.ctx)
	p.active[req.agentID] = cancel

	go func() {
		resp, err := req.fn(callCtx)
		cancel()

		p.mu.Lock()
		delete(p.active, req.agentID)
		p.completed++
		p.drainLocked()
		p.mu.Unlock()

		req.done <- result{resp: resp, err: err}
	}()
}

// drainLocked promotes queued requests while slots are free. Caller holds mu.
func (p *Pool) drainLocked() {
	for len(p.active) < p.max && len(p.queued) > 0 {
		next := p.queued[0]
		p.queued = p.queued[1:]
		delete(p.waiting, next.agentID)
		p.startLocked(next)
	}
}

// Cancel aborts the agent's active request, or rejects its queued entry with
// request_cancelled. Returns true iff anything was cancelled.
func (p *Pool) Cancel(agentID string) bool {
	p.mu.Lock()
	if cancel, ok := p.active[agentID]; ok {
		p.mu.Unlock()
		cancel()
		return true
	}
	if req, ok := p.waiting[agentID]; ok {
		delete(p.waiting, agentID)
		for i, q := range p.queued {
			if q == req {
				p.queued = append(p.queued[:i], p.queued[i+1:]...)
				break
			}
		}
		p.rejected++
		p.mu.Unlock()
		req.done <- result{err: fault.Newf(fault.RequestCancelled, "agent %s", agentID)}
		return true
	}
	p.mu.Unlock()
	return false
}

// HasActive reports whether the agent currently holds an active slot.
func (p *Pool) HasActive(agentID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.active[agentID]
	return ok
}

// SetMaxConcurrent reconfigures the cap. Only positive values are accepted.
// Increasing the cap drains queued entries into the freed slots.
func (p *Pool) SetMaxConcurrent(n int) error {
	if n <= 0 {
		return fault.Newf(fault.InvalidArgs, "maxConcurrentRequests must be positive, got %d", n)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.max = n
	p.drainLocked()
	return nil
}

// Stats returns a snapshot of the counters; internal state is never exposed
// by reference.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		ActiveCount:       len(p.active),
		QueueLength:       len(p.queued),
		TotalRequests:     p.total,
		CompletedRequests: p.completed,
		RejectedRequests:  p.rejected,
	}
}
