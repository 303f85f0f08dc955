// Package schedule fires recurring bus sends on cron expressions. Entries
// live in memory; each firing is a normal bus send from the scheduling agent.
package schedule

import (
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agora/internal/bus"
	"github.com/nextlevelbuilder/agora/internal/fault"
)

const tickInterval = time.Second

// Entry is one recurring send.
type Entry struct {
	ID      string    `json:"id"`
	From    string    `json:"from"`
	To      string    `json:"to"`
	TaskID  string    `json:"taskId,omitempty"`
	Text    string    `json:"text"`
	Cron    string    `json:"cron"`
	NextRun time.Time `json:"nextRun"`
}

// Scheduler owns the entries and the firing loop.
type Scheduler struct {
	mu      sync.Mutex
	bus     *bus.Bus
	entries map[string]*Entry
	checker *gronx.Gronx

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func New(b *bus.Bus) *Scheduler {
	return &Scheduler{
		bus:     b,
		entries: make(map[string]*Entry),
		checker: gronx.New(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Add validates the cron expression and registers a recurring send.
func (s *Scheduler) Add(from, to, taskID, text, cronExpr string) (string, error) {
	if !s.checker.IsValid(cronExpr) {
		return "", fault.Newf(fault.InvalidArgs, "invalid cron expression %q", cronExpr)
	}
	next, err := gronx.NextTick(cronExpr, false)
	if err != nil {
		return "", fault.Wrap(fault.InvalidArgs, err)
	}

	id := uuid.NewString()
	s.mu.Lock()
	s.entries[id] = &Entry{
		ID: id, From: from, To: to, TaskID: taskID,
		Text: text, Cron: cronExpr, NextRun: next,
	}
	s.mu.Unlock()
	slog.Info("schedule.added", "id", id, "cron", cronExpr, "from", from, "to", to)
	return id, nil
}

// Remove deletes an entry. Returns false when the id is unknown.
func (s *Scheduler) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return false
	}
	delete(s.entries, id)
	return true
}

// List returns a snapshot of the entries.
func (s *Scheduler) List() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	return out
}

// Start launches the firing loop.
func (s *Scheduler) Start() {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case now := <-ticker.C:
				s.fireDue(now)
			}
		}
	}()
}

// Stop halts the loop. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

func (s *Scheduler) fireDue(now time.Time) {
	s.mu.Lock()
	var due []*Entry
	for _, e := range s.entries {
		if !e.NextRun.After(now) {
			due = append(due, e)
			next, err := gronx.NextTickAfter(e.Cron, now, false)
			if err != nil {
				// The expression was valid at Add time; push forward a minute
				// rather than spinning.
				next = now.Add(time.Minute)
			}
			e.NextRun = next
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		_, err := s.bus.Send(bus.SendRequest{
			From:    e.From,
			To:      e.To,
			TaskID:  e.TaskID,
			Payload: bus.Payload{Text: e.Text},
		})
		if err != nil {
			slog.Warn("schedule.send_failed", "id", e.ID, "error", err)
		}
	}
}
