// Package outbound holds client operations until the connection can carry
// them, preserving enqueue order across disconnects.
package outbound

import (
	"sync"
	"time"

	"github.com/mercado/storefront-chat/internal/metrics"
)

// compactThreshold is how many consumed slots may accumulate at the head of
// the backing slice before it is compacted.
const compactThreshold = 64

// Queue is an unbounded FIFO of operations. It is safe for concurrent use.
type Queue struct {
	mu    sync.Mutex
	items []Operation
	head  int
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue appends op to the tail and returns the new length.
func (q *Queue) Enqueue(op Operation) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, op)
	metrics.QueueDepth.Inc()
	return len(q.items) - q.head
}

// PushFront inserts ops at the head, keeping their relative order, so that
// ops[0] is the next operation popped.
func (q *Queue) PushFront(ops ...Operation) {
	if len(ops) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.head >= len(ops) {
		q.head -= len(ops)
		copy(q.items[q.head:], ops)
	} else {
		rest := q.items[q.head:]
		next := make([]Operation, 0, len(ops)+len(rest))
		next = append(next, ops...)
		next = append(next, rest...)
		q.items = next
		q.head = 0
	}
	metrics.QueueDepth.Add(float64(len(ops)))
}

// Pop removes and returns the head operation.
func (q *Queue) Pop() (Operation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.head == len(q.items) {
		return Operation{}, false
	}
	op := q.items[q.head]
	q.items[q.head] = Operation{}
	q.head++
	q.compactLocked()
	metrics.QueueDepth.Dec()
	return op, true
}

// Peek returns the head operation without removing it.
func (q *Queue) Peek() (Operation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.head == len(q.items) {
		return Operation{}, false
	}
	return q.items[q.head], true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// Snapshot returns a copy of the queued operations in order.
func (q *Queue) Snapshot() []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Operation, len(q.items)-q.head)
	copy(out, q.items[q.head:])
	return out
}

// Clear drops every queued operation and returns them in queue order.
func (q *Queue) Clear() []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := q.items[q.head:]
	q.items = nil
	q.head = 0
	metrics.QueueDepth.Sub(float64(len(dropped)))
	return dropped
}

// Expire removes operations enqueued more than ttl before now and returns
// them in queue order. A non-positive ttl disables expiry.
func (q *Queue) Expire(now time.Time, ttl time.Duration) []Operation {
	if ttl <= 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	var expired []Operation
	kept := q.items[:q.head]
	for _, op := range q.items[q.head:] {
		if now.Sub(op.EnqueuedAt) > ttl {
			expired = append(expired, op)
			continue
		}
		kept = append(kept, op)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = Operation{}
	}
	q.items = kept
	metrics.QueueDepth.Sub(float64(len(expired)))
	return expired
}

// Drain sends operations head first while ready reports true. An operation is
// removed before send is called and put back at the head if send fails, in
// which case Drain stops and returns the error. It returns the number of
// operations sent.
func (q *Queue) Drain(send func(Operation) error, ready func() bool) (int, error) {
	sent := 0
	for ready() {
		op, ok := q.Pop()
		if !ok {
			return sent, nil
		}
		if err := send(op); err != nil {
			q.PushFront(op)
			return sent, err
		}
		sent++
	}
	return sent, nil
}

func (q *Queue) compactLocked() {
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
		return
	}
	if q.head >= compactThreshold && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		for i := n; i < len(q.items); i++ {
			q.items[i] = Operation{}
		}
		q.items = q.items[:n]
		q.head = 0
	}
}
