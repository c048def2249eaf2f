package delayqueue

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type recordingEmitter struct {
	mu       sync.Mutex
	delivered []any
}

func (e *recordingEmitter) EmitDelayed(socketID string, payload any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.delivered = append(e.delivered, payload)
}

func (e *recordingEmitter) snapshot() []any {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]any, len(e.delivered))
	copy(out, e.delivered)
	return out
}

// TestOrdering_NonDecreasingDeliverAt covers spec invariant 5:
// per-recipient delivery order follows non-decreasing deliverAt.
func TestOrdering_NonDecreasingDeliverAt(t *testing.T) {
	emitter := &recordingEmitter{}
	q := New(emitter, zerolog.Nop())

	now := time.Now()
	q.Enqueue("sock-1", "third", now.Add(300*time.Millisecond))
	q.Enqueue("sock-1", "first", now.Add(100*time.Millisecond))
	q.Enqueue("sock-1", "second", now.Add(200*time.Millisecond))

	q.dispatchTick(now.Add(400 * time.Millisecond))

	got := emitter.snapshot()
	if len(got) != 3 {
		t.Fatalf("want 3 delivered, got %d", len(got))
	}
	want := []any{"first", "second", "third"}
	for i, w := range want {
		if got[i] != w {
			t.Fatalf("position %d: want %q, got %q", i, w, got[i])
		}
	}
}

// TestOrdering_FIFOAmongEqualDeadlines covers the tie-break rule: equal
// deliverAt entries emit in accept order.
func TestOrdering_FIFOAmongEqualDeadlines(t *testing.T) {
	emitter := &recordingEmitter{}
	q := New(emitter, zerolog.Nop())

	deadline := time.Now().Add(50 * time.Millisecond)
	q.Enqueue("sock-1", "a", deadline)
	q.Enqueue("sock-1", "b", deadline)
	q.Enqueue("sock-1", "c", deadline)

	q.dispatchTick(deadline)

	got := emitter.snapshot()
	want := []any{"a", "b", "c"}
	for i, w := range want {
		if got[i] != w {
			t.Fatalf("position %d: want %q, got %q", i, w, got[i])
		}
	}
}

func TestDispatchTick_OnlyEmitsDueEntries(t *testing.T) {
	emitter := &recordingEmitter{}
	q := New(emitter, zerolog.Nop())

	now := time.Now()
	q.Enqueue("sock-1", "due", now.Add(10*time.Millisecond))
	q.Enqueue("sock-1", "future", now.Add(10*time.Minute))

	q.dispatchTick(now.Add(20 * time.Millisecond))

	got := emitter.snapshot()
	if len(got) != 1 || got[0] != "due" {
		t.Fatalf("want only 'due' delivered, got %v", got)
	}
	if q.Len("sock-1") != 1 {
		t.Fatalf("want 1 remaining entry, got %d", q.Len("sock-1"))
	}
}

func TestEnqueue_EvictsEarliestDeadlineWhenFull(t *testing.T) {
	emitter := &recordingEmitter{}
	q := New(emitter, zerolog.Nop())

	base := time.Now()
	for i := 0; i < MaxQueueSizePerUser; i++ {
		q.Enqueue("sock-1", i, base.Add(time.Duration(i+1)*time.Second))
	}
	if q.Len("sock-1") != MaxQueueSizePerUser {
		t.Fatalf("want %d entries, got %d", MaxQueueSizePerUser, q.Len("sock-1"))
	}

	// One more push should evict the earliest deadline (payload 0), not
	// the newest.
	q.Enqueue("sock-1", "newest", base.Add(time.Duration(MaxQueueSizePerUser+1)*time.Second))
	if q.Len("sock-1") != MaxQueueSizePerUser {
		t.Fatalf("queue should stay capped at %d, got %d", MaxQueueSizePerUser, q.Len("sock-1"))
	}

	q.dispatchTick(base.Add(time.Duration(MaxQueueSizePerUser+2) * time.Second))
	got := emitter.snapshot()
	if len(got) == 0 {
		t.Fatal("expected entries delivered")
	}
	if got[0] == 0 {
		t.Fatal("earliest-deadline entry (payload 0) should have been evicted, not delivered")
	}
}

func TestClearQueue_RemovesAllEntries(t *testing.T) {
	emitter := &recordingEmitter{}
	q := New(emitter, zerolog.Nop())

	q.Enqueue("sock-1", "a", time.Now().Add(time.Minute))
	q.ClearQueue("sock-1")
	if q.Len("sock-1") != 0 {
		t.Fatalf("expected queue cleared, got %d entries", q.Len("sock-1"))
	}
}

func TestDeliverImmediately_BypassesQueue(t *testing.T) {
	emitter := &recordingEmitter{}
	q := New(emitter, zerolog.Nop())

	q.DeliverImmediately("sock-1", "now")
	got := emitter.snapshot()
	if len(got) != 1 || got[0] != "now" {
		t.Fatalf("expected immediate delivery, got %v", got)
	}
	if q.Len("sock-1") != 0 {
		t.Fatal("DeliverImmediately should not touch the queue")
	}
}
