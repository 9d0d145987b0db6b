package util

import "sync"

// RingBuffer is a fixed-capacity buffer that keeps the most recent elements.
// When full, Push drops the oldest element. Safe for concurrent use.
type RingBuffer[T any] struct {
	mu  sync.Mutex
	cap int
	buf []T
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	return &RingBuffer[T]{cap: capacity, buf: make([]T, 0, capacity)}
}

// Push appends an item, dropping the oldest if the buffer is full.
func (r *RingBuffer[T]) Push(item T) {
	r.mu.Lock()
	if len(r.buf) == r.cap {
		copy(r.buf, r.buf[1:])
		r.buf[r.cap-1] = item
	} else {
		r.buf = append(r.buf, item)
	}
	r.mu.Unlock()
}

// Snapshot returns a copy of all elements, oldest first.
func (r *RingBuffer[T]) Snapshot() []T {
	r.mu.Lock()
	out := make([]T, len(r.buf))
	copy(out, r.buf)
	r.mu.Unlock()
	return out
}
