// Package bus holds the per-recipient FIFO queues and the delayed-delivery
// index. The bus knows nothing about roles or tasks beyond the injected
// isolation guard; ordering is its only contract.
package bus

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agora/internal/fault"
)

// TickInterval is how often the delayed index is scanned. Delayed messages
// never deliver earlier than their schedule, but may deliver up to one tick
// late.
const TickInterval = 50 * time.Millisecond

const systemUser = "user"

// Bus routes messages between agents. All methods are safe for concurrent use.
type Bus struct {
	mu      sync.Mutex
	queues  map[string][]*Message
	delayed []*Message // kept in send (seq) order
	nextSeq uint64

	isolation IsolationFunc

	onDelayed []Hook
	onAll     []Hook
	onUser    []Hook
	onEnqueue []EnqueueHook

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a bus. Call Start to begin the delayed-delivery tick.
func New() *Bus {
	return &Bus{
		queues: make(map[string][]*Message),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// SetIsolation installs the cross-task isolation guard. Must be called before
// traffic starts; the runtime wires this during construction.
func (b *Bus) SetIsolation(fn IsolationFunc) { b.isolation = fn }

// OnDelayedDelivery registers a hook fired when a delayed message moves into
// its recipient queue.
func (b *Bus) OnDelayedDelivery(h Hook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDelayed = append(b.onDelayed, h)
}

// OnAllMessages registers a hook fired for every accepted send.
func (b *Bus) OnAllMessages(h Hook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onAll = append(b.onAll, h)
}

// OnUserMessage registers a hook fired for messages addressed to the user
// singleton.
func (b *Bus) OnUserMessage(h Hook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onUser = append(b.onUser, h)
}

// OnEnqueue registers a hook fired when a message becomes receivable.
func (b *Bus) OnEnqueue(h EnqueueHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onEnqueue = append(b.onEnqueue, h)
}

// Send validates, applies the isolation guard, and either enqueues the
// message or parks it in the delayed index. Messages are immutable once
// accepted.
func (b *Bus) Send(req SendRequest) (*SendReceipt, error) {
	if req.To == "" {
		return nil, fault.New(fault.MissingTo)
	}
	if req.From == "" {
		return nil, fault.New(fault.MissingFrom)
	}
	if b.isolation != nil {
		if err := b.isolation(req.From, req.To, req.TaskID); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	msg := &Message{
		ID:               uuid.New(),
		From:             req.From,
		To:               req.To,
		TaskID:           req.TaskID,
		Payload:          req.Payload,
		CreatedAt:        now,
		ReasoningContent: req.Reasoning,
	}

	b.mu.Lock()
	msg.seq = b.nextSeq
	b.nextSeq++

	receipt := &SendReceipt{MessageID: msg.ID}
	var enqueued bool
	if req.DelayMs > 0 {
		at := now.Add(time.Duration(req.DelayMs) * time.Millisecond)
		msg.ScheduledDeliveryTime = &at
		receipt.ScheduledDeliveryTime = &at
		b.delayed = append(b.delayed, msg)
	} else {
		b.enqueueLocked(msg, now)
		enqueued = true
	}
	allHooks := append([]Hook(nil), b.onAll...)
	userHooks := append([]Hook(nil), b.onUser...)
	enqueueHooks := append([]EnqueueHook(nil), b.onEnqueue...)
	b.mu.Unlock()

	for _, h := range allHooks {
		h(msg)
	}
	if msg.To == systemUser {
		for _, h := range userHooks {
			h(msg)
		}
	}
	if enqueued {
		for _, h := range enqueueHooks {
			h(msg.To)
		}
	}
	return receipt, nil
}

func (b *Bus) enqueueLocked(msg *Message, now time.Time) {
	at := now
	msg.DeliveredAt = &at
	b.queues[msg.To] = append(b.queues[msg.To], msg)
}

// ReceiveNext pops the head of agentID's queue, or nil when empty.
func (b *Bus) ReceiveNext(agentID string) *Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[agentID]
	if len(q) == 0 {
		return nil
	}
	msg := q[0]
	b.queues[agentID] = q[1:]
	return msg
}

// Peek returns the head of agentID's queue without removing it.
func (b *Bus) Peek(agentID string) *Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[agentID]
	if len(q) == 0 {
		return nil
	}
	return q[0]
}

// PendingCount returns the number of queued (not delayed) messages across all
// recipients.
func (b *Bus) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, q := range b.queues {
		n += len(q)
	}
	return n
}

// DelayedCount returns the number of messages parked in the delayed index.
func (b *Bus) DelayedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.delayed)
}

// QueueLength returns the number of queued messages for one recipient.
func (b *Bus) QueueLength(agentID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[agentID])
}

// ClearQueue drops all queued messages for agentID. Delayed messages for the
// agent are kept; they will deliver on schedule unless the agent is gone.
func (b *Bus) ClearQueue(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.queues, agentID)
}

// Start runs the delayed-delivery tick until Stop.
func (b *Bus) Start() {
	go func() {
		defer close(b.done)
		ticker := time.NewTicker(TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.deliverDue(time.Now().UTC())
			case <-b.stop:
				return
			}
		}
	}()
}

// Stop halts the tick. Idempotent.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
	<-b.done
}

// deliverDue moves every delayed message whose schedule has elapsed into its
// recipient queue, in original send order. Ties on schedule break by send
// order because the index is kept seq-sorted.
func (b *Bus) deliverDue(now time.Time) {
	b.mu.Lock()
	var due []*Message
	rest := b.delayed[:0]
	for _, msg := range b.delayed {
		if !msg.ScheduledDeliveryTime.After(now) {
			due = append(due, msg)
		} else {
			rest = append(rest, msg)
		}
	}
	b.delayed = rest
	sort.SliceStable(due, func(i, j int) bool { return due[i].seq < due[j].seq })
	for _, msg := range due {
		b.enqueueLocked(msg, now)
	}
	delayedHooks := append([]Hook(nil), b.onDelayed...)
	enqueueHooks := append([]EnqueueHook(nil), b.onEnqueue...)
	b.mu.Unlock()

	for _, msg := range due {
		for _, h := range delayedHooks {
			h(msg)
		}
		for _, h := range enqueueHooks {
			h(msg.To)
		}
	}
}

// Flush delivers all delayed messages immediately, in send order. Used on
// graceful shutdown. Returns the flushed messages.
func (b *Bus) Flush() []*Message {
	b.mu.Lock()
	flushed := b.delayed
	b.delayed = nil
	now := time.Now().UTC()
	sort.SliceStable(flushed, func(i, j int) bool { return flushed[i].seq < flushed[j].seq })
	for _, msg := range flushed {
		b.enqueueLocked(msg, now)
	}
	delayedHooks := append([]Hook(nil), b.onDelayed...)
	b.mu.Unlock()

	if len(flushed) > 0 {
		slog.Info("bus.flush", "count", len(flushed))
	}
	for _, msg := range flushed {
		for _, h := range delayedHooks {
			h(msg)
		}
	}
	return flushed
}
