package session

import (
	"context"
	"sync"
)

// Segment is one unit of text awaiting synthesis.
type Segment struct {
	Text string
	Seq  int
}

// Queue is a FIFO of segments with exactly one consumer. Push never blocks;
// Pop blocks until a segment is available or the context ends. Clear empties
// the queue atomically with respect to Pop and aborts the in-flight synthesis
// registered via [Queue.trackInFlight], so no segment enqueued before a clear
// is synthesized after it. Each Clear bumps an epoch; Pop returns the epoch
// its segment was taken under, and trackInFlight refuses a stale epoch, which
// closes the window between a pop and the registration of its cancel.
type Queue struct {
	mu    sync.Mutex
	items []Segment
	wake  chan struct{}
	epoch uint64

	inFlightCancel context.CancelFunc
}

// NewQueue returns an empty ready-to-use queue.
func NewQueue() *Queue {
	return &Queue{
		wake: make(chan struct{}, 1),
	}
}

// Push appends a segment and wakes a blocked Pop.
func (q *Queue) Push(s Segment) {
	q.mu.Lock()
	q.items = append(q.items, s)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Pop removes and returns the oldest segment, blocking until one is available.
// The returned epoch must be passed to trackInFlight before synthesis starts.
// Returns ctx.Err() when the context ends first.
func (q *Queue) Pop(ctx context.Context) (Segment, uint64, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			s := q.items[0]
			q.items = q.items[1:]
			epoch := q.epoch
			q.mu.Unlock()
			return s, epoch, nil
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-ctx.Done():
			return Segment{}, 0, ctx.Err()
		}
	}
}

// Clear discards all pending segments and cancels the in-flight synthesis, if
// any. Returns the number of segments discarded.
func (q *Queue) Clear() int {
	q.mu.Lock()
	n := len(q.items)
	q.items = nil
	q.epoch++
	cancel := q.inFlightCancel
	q.inFlightCancel = nil
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return n
}

// Len returns the number of pending segments.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// trackInFlight registers the cancel function for a segment popped at epoch,
// so Clear can abort its synthesis. Returns false when a Clear intervened
// between the pop and this call; the caller must drop the segment. The worker
// calls untrackInFlight when the segment finishes.
func (q *Queue) trackInFlight(epoch uint64, cancel context.CancelFunc) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if epoch != q.epoch {
		return false
	}
	q.inFlightCancel = cancel
	return true
}

func (q *Queue) untrackInFlight() {
	q.mu.Lock()
	q.inFlightCancel = nil
	q.mu.Unlock()
}
