package llmpool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agora/internal/fault"
	"github.com/nextlevelbuilder/agora/internal/llm"
)

func block(release <-chan struct{}) RequestFunc {
	return func(ctx context.Context) (*llm.ChatResponse, error) {
		select {
		case <-release:
			return &llm.ChatResponse{Role: "assistant", Content: "ok"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func TestRejectMissingAgentID(t *testing.T) {
	p := New(2)
	_, err := p.Execute(context.Background(), "", block(nil))
	if fault.CodeOf(err) != fault.RejectedMissingAgentID {
		t.Fatalf("got %v", err)
	}
	if p.Stats().RejectedRequests != 1 {
		t.Fatalf("stats: %+v", p.Stats())
	}
}

func TestRejectSecondRequestSameAgent(t *testing.T) {
	p := New(2)
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := p.Execute(context.Background(), "a", block(release))
		done <- err
	}()
	waitActive(t, p, 1)

	_, err := p.Execute(context.Background(), "a", block(nil))
	if fault.CodeOf(err) != fault.AgentAlreadyActive {
		t.Fatalf("second request: got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first request: %v", err)
	}
}

func TestGlobalCapQueuesThird(t *testing.T) {
	p := New(2)
	relA, relB, relC := make(chan struct{}), make(chan struct{}), make(chan struct{})
	var wg sync.WaitGroup
	errs := make(map[string]error)
	var mu sync.Mutex
	run := func(id string, rel chan struct{}) {
		defer wg.Done()
		_, err := p.Execute(context.Background(), id, block(rel))
		mu.Lock()
		errs[id] = err
		mu.Unlock()
	}
	wg.Add(3)
	go run("a", relA)
	go run("b", relB)
	waitActive(t, p, 2)
	go run("c", relC)
	waitQueued(t, p, 1)

	if st := p.Stats(); st.ActiveCount != 2 || st.QueueLength != 1 {
		t.Fatalf("stats: %+v", st)
	}

	// A completes → C is promoted.
	close(relA)
	waitQueued(t, p, 0)
	waitActive(t, p, 2)

	close(relB)
	close(relC)
	wg.Wait()
	for id, err := range errs {
		if err != nil {
			t.Fatalf("%s: %v", id, err)
		}
	}
	if st := p.Stats(); st.ActiveCount != 0 || st.CompletedRequests != 3 {
		t.Fatalf("final stats: %+v", st)
	}
}

func TestCancelActiveAborts(t *testing.T) {
	p := New(1)
	done := make(chan error, 1)
	go func() {
		_, err := p.Execute(context.Background(), "a", block(make(chan struct{})))
		done <- err
	}()
	waitActive(t, p, 1)

	if !p.Cancel("a") {
		t.Fatalf("cancel returned false for active request")
	}
	err := <-done
	if err == nil {
		t.Fatalf("aborted call returned nil error")
	}
	if p.Cancel("a") {
		t.Fatalf("second cancel must return false")
	}
}

func TestCancelQueuedRejects(t *testing.T) {
	p := New(1)
	release := make(chan struct{})
	go p.Execute(context.Background(), "a", block(release))
	waitActive(t, p, 1)

	done := make(chan error, 1)
	go func() {
		_, err := p.Execute(context.Background(), "b", block(nil))
		done <- err
	}()
	waitQueued(t, p, 1)

	if !p.Cancel("b") {
		t.Fatalf("cancel returned false for queued request")
	}
	if err := <-done; fault.CodeOf(err) != fault.RequestCancelled {
		t.Fatalf("queued cancel: got %v", err)
	}
	close(release)
}

func TestIncreaseCapDrainsQueue(t *testing.T) {
	p := New(1)
	relA, relB := make(chan struct{}), make(chan struct{})
	go p.Execute(context.Background(), "a", block(relA))
	waitActive(t, p, 1)
	go p.Execute(context.Background(), "b", block(relB))
	waitQueued(t, p, 1)

	if err := p.SetMaxConcurrent(0); fault.CodeOf(err) != fault.InvalidArgs {
		t.Fatalf("zero cap accepted: %v", err)
	}
	if err := p.SetMaxConcurrent(2); err != nil {
		t.Fatalf("set cap: %v", err)
	}
	waitActive(t, p, 2)
	waitQueued(t, p, 0)
	close(relA)
	close(relB)
}

func waitActive(t *testing.T, p *Pool, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.Stats().ActiveCount == n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("active count never reached %d: %+v", n, p.Stats())
}

func waitQueued(t *testing.T, p *Pool, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.Stats().QueueLength == n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("queue length never reached %d: %+v", n, p.Stats())
}
