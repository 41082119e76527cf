package remote

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/avatarkit/pkg/audio"
	"github.com/MrWong99/avatarkit/pkg/provider/llm"
)

// ErrQueueClosed is returned by [Queue.Push] after [Queue.Close].
var ErrQueueClosed = errors.New("remote: queue closed")

// Kind classifies an inbound [Request].
type Kind int

const (
	// KindText is a typed request.
	KindText Kind = iota
	// KindSpeech is a recorded utterance that still needs recognition.
	KindSpeech
	// KindCancel asks to end the turn in flight and the topic.
	KindCancel
	// KindDisconnect reports that the user's client went away.
	KindDisconnect
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindSpeech:
		return "speech"
	case KindCancel:
		return "cancel"
	case KindDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// Request is one unit of client input waiting for dispatch.
type Request struct {
	Kind   Kind
	UserID string
	ConnID string

	Text     string
	Language string
	Images   []llm.Image

	// Speech is set for KindSpeech.
	Speech *audio.Clip
}

// Queue is an unbounded FIFO shared by every connection's reader. Any number
// of goroutines may push; one dispatch loop pops.
type Queue struct {
	mu     sync.Mutex
	reqs   []Request
	closed bool
	signal chan struct{}
}

// NewQueue returns an empty open queue.
func NewQueue() *Queue {
	return &Queue{signal: make(chan struct{}, 1)}
}

// Push appends r.
func (q *Queue) Push(r Request) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.reqs = append(q.reqs, r)
	q.mu.Unlock()
	q.notify()
	return nil
}

// Pop removes and returns the oldest request, waiting until one arrives. ok
// is false once the queue is closed and drained.
func (q *Queue) Pop(ctx context.Context) (r Request, ok bool, err error) {
	for {
		q.mu.Lock()
		if len(q.reqs) > 0 {
			r = q.reqs[0]
			q.reqs[0] = Request{}
			q.reqs = q.reqs[1:]
			q.mu.Unlock()
			return r, true, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Request{}, false, nil
		}
		select {
		case <-ctx.Done():
			return Request{}, false, context.Cause(ctx)
		case <-q.signal:
		}
	}
}

// Len returns the number of waiting requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.reqs)
}

// Close stops accepting requests. Queued requests remain poppable.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notify()
}

func (q *Queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
