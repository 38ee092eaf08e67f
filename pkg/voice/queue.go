// ABOUTME: Double-buffered queue between a producer and a ticking consumer
// ABOUTME: Producers append under a lock; the consumer swaps and drains
package voice

import "sync"

// Queue hands items from any number of producers to one consumer. Push
// never blocks; items beyond the limit are dropped.
type Queue[T any] struct {
	mu      sync.Mutex
	back    []T
	front   []T
	limit   int
	dropped uint64
	wake    chan struct{}
}

// NewQueue creates a queue holding at most limit undrained items. A limit
// of 0 means unbounded.
func NewQueue[T any](limit int) *Queue[T] {
	return &Queue[T]{limit: limit, wake: make(chan struct{}, 1)}
}

// Push appends v and wakes the consumer. It reports false if v was dropped.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	if q.limit > 0 && len(q.back) >= q.limit {
		q.dropped++
		q.mu.Unlock()
		return false
	}
	q.back = append(q.back, v)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Wake is signalled after a Push. It holds at most one pending signal.
func (q *Queue[T]) Wake() <-chan struct{} { return q.wake }

// Drain swaps the buffers and calls fn for every queued item in order. It
// must only be called from the consumer.
func (q *Queue[T]) Drain(fn func(T)) int {
	q.mu.Lock()
	q.back, q.front = q.front[:0], q.back
	q.mu.Unlock()

	for i, v := range q.front {
		fn(v)
		var zero T
		q.front[i] = zero
	}
	return len(q.front)
}

// Len reports how many items wait for the next Drain.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.back)
}

// Dropped reports how many pushes were refused.
func (q *Queue[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
