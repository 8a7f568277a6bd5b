// Package queue provides the bounded FIFO used between pipeline stages.
//
// Overflow policy is drop-oldest: Push never blocks, and when the queue is
// full the oldest element is evicted to make room. Consumers wait on a
// wake-up signal with a timeout so they re-check state periodically even if
// a signal is missed around shutdown.
package queue

import (
	"sync"
	"sync/atomic"
	"time"
)

// Waiter is the part of a queue a consumer needs to wait for data.
type Waiter interface {
	Len() int
	Signal() <-chan struct{}
}

// DropQueue is a bounded FIFO with drop-oldest overflow.
type DropQueue[T any] struct {
	mu      sync.Mutex
	items   []T
	head    int
	count   int
	dropped atomic.Uint64
	signal  chan struct{}
}

// New returns an empty queue holding at most capacity elements.
func New[T any](capacity int) *DropQueue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &DropQueue[T]{
		items:  make([]T, capacity),
		signal: make(chan struct{}, 1),
	}
}

// Cap returns the maximum number of queued elements.
func (q *DropQueue[T]) Cap() int {
	return len(q.items)
}

// Len returns the number of queued elements.
func (q *DropQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Dropped returns how many elements were evicted by overflow so far.
func (q *DropQueue[T]) Dropped() uint64 {
	return q.dropped.Load()
}

// Signal returns a channel that receives a token after a Push.
func (q *DropQueue[T]) Signal() <-chan struct{} {
	return q.signal
}

// Push appends v. If the queue was full the oldest element is evicted and
// returned with evicted set to true.
func (q *DropQueue[T]) Push(v T) (old T, evicted bool) {
	q.mu.Lock()
	size := len(q.items)
	if q.count == size {
		old = q.items[q.head]
		var zero T
		q.items[q.head] = zero
		q.head = (q.head + 1) % size
		q.count--
		evicted = true
		q.dropped.Add(1)
	}
	q.items[(q.head+q.count)%size] = v
	q.count++
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return old, evicted
}

// Pop removes and returns the oldest element.
func (q *DropQueue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if q.count == 0 {
		return zero, false
	}
	v := q.items[q.head]
	q.items[q.head] = zero
	q.head = (q.head + 1) % len(q.items)
	q.count--
	return v, true
}

// Clear drops every queued element and returns how many there were.
func (q *DropQueue[T]) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.count
	var zero T
	for i := range q.items {
		q.items[i] = zero
	}
	q.head = 0
	q.count = 0
	return n
}

// Wait blocks until q is non-empty, timeout elapses or done is closed. It
// reports whether q had data when it returned.
func (q *DropQueue[T]) Wait(timeout time.Duration, done <-chan struct{}) bool {
	return WaitAll(timeout, done, q)
}

// WaitAll blocks until every queue is non-empty, timeout elapses or done is
// closed. It reports whether all queues had data when it returned.
func WaitAll(timeout time.Duration, done <-chan struct{}, queues ...Waiter) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		empty := firstEmpty(queues)
		if empty == nil {
			return true
		}
		select {
		case <-empty.Signal():
		case <-deadline.C:
			return firstEmpty(queues) == nil
		case <-done:
			return false
		}
	}
}

func firstEmpty(queues []Waiter) Waiter {
	for _, q := range queues {
		if q.Len() == 0 {
			return q
		}
	}
	return nil
}
