// Package delayqueue is the Delay Queue: per-socket min-heaps of pending
// deliveries, drained by one shared 100ms dispatcher tick rather than a
// timer per message — the teacher's single-shared-ticker philosophy
// (collectMetrics/monitorMemory/sampleClientBuffers each run on one
// ticker, never per-item timers) applied to message delivery.
package delayqueue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MaxQueueSizePerUser bounds how many pending deliveries one socket may
// accumulate before the earliest-deadline entry is evicted.
const MaxQueueSizePerUser = 100

// DispatchTick is the shared dispatcher's scan interval.
const DispatchTick = 100 * time.Millisecond

// Emitter is how the dispatcher hands a ready message back to the
// transport layer (internal/gateway). Kept as a narrow interface so the
// queue has no transport dependency.
type Emitter interface {
	EmitDelayed(socketID string, payload any)
}

// entry is one pending delivery. acceptSeq breaks ties between equal
// deliverAt values in accept order (FIFO among equal deadlines).
type entry struct {
	deliverAt time.Time
	acceptSeq uint64
	payload   any
	index     int
}

// minHeap orders entries by deliverAt, then acceptSeq.
type minHeap []*entry

func (h minHeap) Len() int { return len(h) }
func (h minHeap) Less(i, j int) bool {
	if h[i].deliverAt.Equal(h[j].deliverAt) {
		return h[i].acceptSeq < h[j].acceptSeq
	}
	return h[i].deliverAt.Before(h[j].deliverAt)
}
func (h minHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *minHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// socketQueue guards one socket's heap with its own mutex, so a busy
// socket never blocks another's enqueue or the dispatcher's scan of a
// third socket.
type socketQueue struct {
	mu sync.Mutex
	h  minHeap
}

// Queue owns every socket's delivery queue and the dispatcher goroutine
// that drains them.
type Queue struct {
	mu      sync.RWMutex
	queues  map[string]*socketQueue
	emitter Emitter
	logger  zerolog.Logger

	seqMu sync.Mutex
	seq   uint64

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Queue. Call Run to start the dispatcher goroutine.
func New(emitter Emitter, logger zerolog.Logger) *Queue {
	return &Queue{
		queues:  make(map[string]*socketQueue),
		emitter: emitter,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Run starts the 100ms dispatcher loop and blocks until ctx is cancelled
// or Shutdown is called. Intended to run in its own goroutine.
func (q *Queue) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	defer close(q.done)

	ticker := time.NewTicker(DispatchTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			q.dispatchTick(now)
		}
	}
}

// Shutdown stops the dispatcher and waits for the current tick to finish.
func (q *Queue) Shutdown() {
	if q.cancel != nil {
		q.cancel()
	}
	<-q.done
}

func (q *Queue) nextSeq() uint64 {
	q.seqMu.Lock()
	defer q.seqMu.Unlock()
	q.seq++
	return q.seq
}

func (q *Queue) getOrCreate(socketID string) *socketQueue {
	q.mu.RLock()
	sq, ok := q.queues[socketID]
	q.mu.RUnlock()
	if ok {
		return sq
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if sq, ok = q.queues[socketID]; ok {
		return sq
	}
	sq = &socketQueue{}
	q.queues[socketID] = sq
	return sq
}

// Enqueue schedules payload for delivery to socketID at deliverAt. If the
// socket's queue is already at MaxQueueSizePerUser, the entry with the
// earliest deadline is dropped to make room (spec's stated preference:
// keep fresher data, sacrifice the item closest to firing).
func (q *Queue) Enqueue(socketID string, payload any, deliverAt time.Time) {
	sq := q.getOrCreate(socketID)
	e := &entry{deliverAt: deliverAt, acceptSeq: q.nextSeq(), payload: payload}

	sq.mu.Lock()
	defer sq.mu.Unlock()

	if len(sq.h) >= MaxQueueSizePerUser {
		dropped := heap.Pop(&sq.h).(*entry)
		q.logger.Warn().
			Str("socket_id", socketID).
			Time("dropped_deliver_at", dropped.deliverAt).
			Msg("delay queue full, evicted earliest-deadline entry")
	}
	heap.Push(&sq.h, e)
}

// DeliverImmediately bypasses the queue entirely and emits payload now.
func (q *Queue) DeliverImmediately(socketID string, payload any) {
	q.emitter.EmitDelayed(socketID, payload)
}

// ClearQueue drops every pending entry for socketID, invoked on disconnect.
func (q *Queue) ClearQueue(socketID string) {
	q.mu.Lock()
	delete(q.queues, socketID)
	q.mu.Unlock()
}

// emitSafely calls the emitter for one ready entry, recovering any panic
// so a bad Emitter implementation (e.g. a write to a closed connection)
// can never take down the shared dispatcher goroutine and silently stop
// delayed delivery for every other socket.
func (q *Queue) emitSafely(socketID string, payload any) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error().
				Interface("panic", r).
				Str("socket_id", socketID).
				Msg("recovered panic in delayed emit")
		}
	}()
	q.emitter.EmitDelayed(socketID, payload)
}

// dispatchTick scans every socket's queue, emitting every entry whose
// deliverAt has passed. Eviction of empty queues happens here
// opportunistically rather than on a separate pass.
func (q *Queue) dispatchTick(now time.Time) {
	q.mu.RLock()
	sockets := make([]string, 0, len(q.queues))
	queues := make([]*socketQueue, 0, len(q.queues))
	for sid, sq := range q.queues {
		sockets = append(sockets, sid)
		queues = append(queues, sq)
	}
	q.mu.RUnlock()

	var emptied []string
	for i, sq := range queues {
		socketID := sockets[i]
		var ready []*entry

		sq.mu.Lock()
		for len(sq.h) > 0 && !sq.h[0].deliverAt.After(now) {
			ready = append(ready, heap.Pop(&sq.h).(*entry))
		}
		isEmpty := len(sq.h) == 0
		sq.mu.Unlock()

		for _, e := range ready {
			q.emitSafely(socketID, e.payload)
		}
		if isEmpty {
			emptied = append(emptied, socketID)
		}
	}

	if len(emptied) == 0 {
		return
	}
	q.mu.Lock()
	for _, sid := range emptied {
		if sq, ok := q.queues[sid]; ok {
			sq.mu.Lock()
			stillEmpty := len(sq.h) == 0
			sq.mu.Unlock()
			if stillEmpty {
				delete(q.queues, sid)
			}
		}
	}
	q.mu.Unlock()
}

// Len reports how many entries are pending for a socket, used by tests
// and the observability surface.
func (q *Queue) Len(socketID string) int {
	q.mu.RLock()
	sq, ok := q.queues[socketID]
	q.mu.RUnlock()
	if !ok {
		return 0
	}
	sq.mu.Lock()
	defer sq.mu.Unlock()
	return len(sq.h)
}
