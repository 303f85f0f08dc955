package bus

import (
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/nextlevelbuilder/agora/internal/fault"
)

func TestSendValidation(t *testing.T) {
	b := New()
	if _, err := b.Send(SendRequest{From: "a"}); fault.CodeOf(err) != fault.MissingTo {
		t.Fatalf("expected missing_to, got %v", err)
	}
	if _, err := b.Send(SendRequest{To: "a"}); fault.CodeOf(err) != fault.MissingFrom {
		t.Fatalf("expected missing_from, got %v", err)
	}
}

func TestFIFOPerRecipient(t *testing.T) {
	b := New()
	for i := 0; i < 5; i++ {
		if _, err := b.Send(SendRequest{From: "root", To: "w", Payload: Payload{Text: fmt.Sprintf("m%d", i)}}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	for i := 0; i < 5; i++ {
		msg := b.ReceiveNext("w")
		if msg == nil {
			t.Fatalf("receive %d: queue empty", i)
		}
		if want := fmt.Sprintf("m%d", i); msg.Payload.Text != want {
			t.Fatalf("receive %d: got %q want %q", i, msg.Payload.Text, want)
		}
	}
	if msg := b.ReceiveNext("w"); msg != nil {
		t.Fatalf("expected drained queue, got %v", msg)
	}
}

func TestPeekDoesNotConsume(t *testing.T) {
	b := New()
	b.Send(SendRequest{From: "root", To: "w", Payload: Payload{Text: "hello"}})
	if msg := b.Peek("w"); msg == nil || msg.Payload.Text != "hello" {
		t.Fatalf("peek: got %v", msg)
	}
	if b.QueueLength("w") != 1 {
		t.Fatalf("peek consumed the message")
	}
}

func TestIsolationGuardRejects(t *testing.T) {
	b := New()
	b.SetIsolation(func(from, to, taskID string) error {
		if from == "a1" && to == "a2" {
			return fault.New(fault.CrossTaskDenied)
		}
		return nil
	})
	_, err := b.Send(SendRequest{From: "a1", To: "a2", TaskID: "t1"})
	if fault.CodeOf(err) != fault.CrossTaskDenied {
		t.Fatalf("expected cross_task_communication_denied, got %v", err)
	}
	if b.QueueLength("a2") != 0 {
		t.Fatalf("denied send must not enqueue")
	}
}

func TestDelayedDeliveryOrdering(t *testing.T) {
	b := New()
	// Same schedule for both; m1 sent first must arrive first.
	r1, _ := b.Send(SendRequest{From: "root", To: "w", DelayMs: 30, Payload: Payload{Text: "m1"}})
	r2, _ := b.Send(SendRequest{From: "root", To: "w", DelayMs: 30, Payload: Payload{Text: "m2"}})
	if r1.ScheduledDeliveryTime == nil || r2.ScheduledDeliveryTime == nil {
		t.Fatalf("delayed sends must carry a schedule")
	}
	if b.QueueLength("w") != 0 {
		t.Fatalf("delayed messages must not enqueue immediately")
	}
	b.deliverDue(time.Now().UTC().Add(time.Second))
	first, second := b.ReceiveNext("w"), b.ReceiveNext("w")
	if first == nil || second == nil || first.Payload.Text != "m1" || second.Payload.Text != "m2" {
		t.Fatalf("delayed delivery out of order: %v, %v", first, second)
	}
	if first.DeliveredAt == nil {
		t.Fatalf("delivered message must record DeliveredAt")
	}
}

func TestDeliverDueLeavesFutureMessages(t *testing.T) {
	b := New()
	b.Send(SendRequest{From: "root", To: "w", DelayMs: 10, Payload: Payload{Text: "soon"}})
	b.Send(SendRequest{From: "root", To: "w", DelayMs: 60_000, Payload: Payload{Text: "later"}})
	b.deliverDue(time.Now().UTC().Add(time.Second))
	if b.QueueLength("w") != 1 || b.DelayedCount() != 1 {
		t.Fatalf("queue=%d delayed=%d, want 1/1", b.QueueLength("w"), b.DelayedCount())
	}
}

func TestFlushDeliversInSendOrder(t *testing.T) {
	b := New()
	b.Send(SendRequest{From: "root", To: "w", DelayMs: 500, Payload: Payload{Text: "first"}})
	b.Send(SendRequest{From: "root", To: "w", DelayMs: 100, Payload: Payload{Text: "second"}})
	flushed := b.Flush()
	if len(flushed) != 2 {
		t.Fatalf("flushed %d, want 2", len(flushed))
	}
	// Send order wins over schedule order.
	if flushed[0].Payload.Text != "first" || flushed[1].Payload.Text != "second" {
		t.Fatalf("flush out of send order: %q, %q", flushed[0].Payload.Text, flushed[1].Payload.Text)
	}
	if b.DelayedCount() != 0 {
		t.Fatalf("flush must drain the delayed index")
	}
}

func TestClearQueue(t *testing.T) {
	b := New()
	b.Send(SendRequest{From: "root", To: "w", Payload: Payload{Text: "x"}})
	b.ClearQueue("w")
	if b.PendingCount() != 0 {
		t.Fatalf("clear queue left %d pending", b.PendingCount())
	}
}

func TestHooks(t *testing.T) {
	b := New()
	var all, user, enq int
	b.OnAllMessages(func(*Message) { all++ })
	b.OnUserMessage(func(*Message) { user++ })
	b.OnEnqueue(func(string) { enq++ })

	b.Send(SendRequest{From: "w", To: "user", Payload: Payload{Text: "done"}})
	b.Send(SendRequest{From: "root", To: "w", Payload: Payload{Text: "go"}})
	if all != 2 || user != 1 || enq != 2 {
		t.Fatalf("hooks fired all=%d user=%d enq=%d", all, user, enq)
	}

	var delayed int
	b.OnDelayedDelivery(func(*Message) { delayed++ })
	b.Send(SendRequest{From: "root", To: "w", DelayMs: 10})
	b.deliverDue(time.Now().UTC().Add(time.Second))
	if delayed != 1 {
		t.Fatalf("delayed hook fired %d times", delayed)
	}
}

// Property: per recipient, receive order equals send order for any interleaving
// of recipients and payloads.
func TestFIFOProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 50
	properties := gopter.NewProperties(params)

	properties.Property("receive order matches send order per recipient", prop.ForAll(
		func(targets []int) bool {
			b := New()
			sent := make(map[string][]string)
			for i, tgt := range targets {
				to := fmt.Sprintf("agent-%d", tgt%3)
				text := fmt.Sprintf("m%d", i)
				if _, err := b.Send(SendRequest{From: "root", To: to, Payload: Payload{Text: text}}); err != nil {
					return false
				}
				sent[to] = append(sent[to], text)
			}
			for to, want := range sent {
				for _, expected := range want {
					msg := b.ReceiveNext(to)
					if msg == nil || msg.Payload.Text != expected {
						return false
					}
				}
				if b.ReceiveNext(to) != nil {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 2)),
	))

	properties.TestingRun(t)
}
