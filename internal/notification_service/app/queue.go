package app

import (
	"sync"

	"github.com/theraptrack/golang_services/internal/notification_service/domain"
)

// Queue is the dispatch queue: many producers PushBack, a single consumer
// PopFronts. Retried messages go through PushFront, which places them ahead
// of every PushBack message but behind retries pushed earlier.
type Queue struct {
	mu      sync.Mutex
	retries []*domain.OutboundMessage
	pending []*domain.OutboundMessage
	ready   chan struct{}
}

func NewQueue() *Queue {
	return &Queue{ready: make(chan struct{}, 1)}
}

// PushBack appends msg and wakes the consumer. It never blocks.
func (q *Queue) PushBack(msg *domain.OutboundMessage) {
	q.mu.Lock()
	q.pending = append(q.pending, msg)
	q.mu.Unlock()
	q.signal()
}

// PushFront re-admits a retried message.
func (q *Queue) PushFront(msg *domain.OutboundMessage) {
	q.mu.Lock()
	q.retries = append(q.retries, msg)
	q.mu.Unlock()
	q.signal()
}

// PopFront removes the next message, or returns false when empty.
func (q *Queue) PopFront() (*domain.OutboundMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.retries) > 0 {
		msg := q.retries[0]
		q.retries[0] = nil
		q.retries = q.retries[1:]
		return msg, true
	}
	if len(q.pending) > 0 {
		msg := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		return msg, true
	}
	return nil, false
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.retries) + len(q.pending)
}

// Drain empties the queue and returns what was left, front first.
func (q *Queue) Drain() []*domain.OutboundMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*domain.OutboundMessage, 0, len(q.retries)+len(q.pending))
	out = append(out, q.retries...)
	out = append(out, q.pending...)
	q.retries, q.pending = nil, nil
	return out
}

// Ready is signalled after every push. Signals coalesce, so the consumer
// must re-check Len after waking.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
