package content

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by [Queue.Push] after [Queue.Close].
var ErrQueueClosed = errors.New("content: queue closed")

// Queue is an unbounded FIFO of items with one producer and one consumer.
// The producer calls [Queue.Close] when it has nothing more to add; the
// consumer keeps popping until the queue reports it is drained.
type Queue struct {
	mu     sync.Mutex
	items  []Item
	closed bool
	signal chan struct{}
}

// NewQueue returns an empty open queue.
func NewQueue() *Queue {
	return &Queue{signal: make(chan struct{}, 1)}
}

// Push appends it to the rear of the queue.
func (q *Queue) Push(it Item) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.items = append(q.items, it)
	q.mu.Unlock()
	q.notify()
	return nil
}

// Close marks the end of production. Items already queued remain poppable.
// Close is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notify()
}

// Pop removes and returns the front item, waiting until one is available.
// ok is false once the queue is closed and empty. The error is non-nil only
// when ctx ends first.
func (q *Queue) Pop(ctx context.Context) (it Item, ok bool, err error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			it = q.items[0]
			q.items[0] = Item{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return it, true, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Item{}, false, nil
		}

		select {
		case <-ctx.Done():
			return Item{}, false, context.Cause(ctx)
		case <-q.signal:
		}
	}
}

// TryPop returns the front item without waiting.
func (q *Queue) TryPop() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Item{}, false
	}
	it := q.items[0]
	q.items[0] = Item{}
	q.items = q.items[1:]
	return it, true
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
