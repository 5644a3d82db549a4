// Package buffer provides a bounded, thread-safe ring that drops its oldest
// entry when full.
package buffer

import (
	"sync"
)

// Queue is a fixed-capacity ring buffer.
type Queue[T any] struct {
	mu    sync.Mutex
	data  []T
	head  int // index of the oldest item
	count int
}

// New creates a Queue holding at most capacity items. A capacity below one
// is raised to one.
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{data: make([]T, capacity)}
}

// Push appends item and reports whether the oldest item was evicted.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	tail := (q.head + q.count) % len(q.data)
	q.data[tail] = item
	if q.count < len(q.data) {
		q.count++
		return false
	}
	q.head = (q.head + 1) % len(q.data)
	return true
}

// Pop removes and returns the oldest item.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if q.count == 0 {
		return zero, false
	}
	item := q.data[q.head]
	q.data[q.head] = zero
	q.head = (q.head + 1) % len(q.data)
	q.count--
	return item, true
}

// Snapshot copies the items, oldest first.
func (q *Queue[T]) Snapshot() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]T, q.count)
	for i := range out {
		out[i] = q.data[(q.head+i)%len(q.data)]
	}
	return out
}

// Newest returns up to n items, newest first.
func (q *Queue[T]) Newest(n int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	n = min(n, q.count)
	if n < 0 {
		n = 0
	}
	out := make([]T, n)
	for i := range out {
		out[i] = q.data[(q.head+q.count-1-i)%len(q.data)]
	}
	return out
}

// Len returns the current number of items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the capacity.
func (q *Queue[T]) Cap() int {
	return len(q.data)
}
