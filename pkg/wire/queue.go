package wire

import (
	"context"
	"sync"
)

// Queue is an unbounded FIFO of envelopes. Push never blocks, so a slow
// consumer cannot stall the stream reader feeding it.
type Queue struct {
	mu     sync.Mutex
	items  []*Msg
	closed bool
	notify chan struct{}
}

func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Push appends m. Pushing to a closed queue is a no-op.
func (q *Queue) Push(m *Msg) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, m)
	q.mu.Unlock()
	q.signal()
}

// Close marks the end of the stream. Items already queued are still returned
// by Pop.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop blocks until an item is available. It returns false once the queue is
// closed and drained, or when ctx is done.
func (q *Queue) Pop(ctx context.Context) (*Msg, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			m := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return m, true
		}
		if q.closed {
			q.mu.Unlock()
			// Wake any other consumer.
			q.signal()
			return nil, false
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, false
		}
	}
}
