// Package ring implements the bounded, many-producer/single-consumer queue
// used on every edge of the backend's pipeline. It is the one core data
// structure in this repository with no library to reach for (see
// DESIGN.md) — grounded on _examples/original_source/include/mpsc_queue.h,
// translated from its atomic head/tail/spinlock layout into Go.
package ring

import "sync/atomic"

// Ring is a fixed-capacity MPSC queue. Capacity is immutable after
// construction and must be >= 1. Push never blocks: on a full ring it
// returns false and the caller decides whether to drop or retry — this
// package mandates no retry policy of its own. Pop is wait-free from the
// single consumer's point of view.
type Ring[T any] struct {
	buf      []T
	capacity uint64
	head     atomic.Uint64 // next free slot, producer-owned index space
	tail     atomic.Uint64 // next slot to read; only the consumer writes it,
	// but it is atomic so Len() may sample it from a metrics goroutine
	lock atomic.Bool // short producer-side critical section
}

// New constructs a Ring of the given capacity. Capacity < 1 is rounded up
// to 1, per the "must be >= 1" contract.
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{
		buf:      make([]T, capacity),
		capacity: uint64(capacity),
	}
}

// Cap returns the ring's fixed capacity.
func (r *Ring[T]) Cap() int {
	return int(r.capacity)
}

// Push enqueues v. It returns false, without blocking, if the ring is at
// capacity. Safe to call concurrently from any number of producer
// goroutines; the critical section is a short spin lock, never a block on
// the consumer.
func (r *Ring[T]) Push(v T) bool {
	for !r.lock.CompareAndSwap(false, true) {
		// short spin; producer-side mutual exclusion only, consumer never waits
	}
	defer r.lock.Store(false)

	head := r.head.Load()
	used := head - r.tail.Load()
	if used >= r.capacity {
		return false
	}
	r.buf[head%r.capacity] = v
	r.head.Store(head + 1) // release: publishes buf[index] to the consumer
	return true
}

// Pop dequeues the oldest item. It returns false if the ring was empty.
// Pop must only ever be called by the single designated consumer
// goroutine; no synchronization is taken beyond the acquire load of head.
func (r *Ring[T]) Pop() (v T, ok bool) {
	head := r.head.Load() // acquire: observes every payload byte of a matching Push
	tail := r.tail.Load()
	if tail == head {
		return v, false
	}
	idx := tail % r.capacity
	v = r.buf[idx]
	var zero T
	r.buf[idx] = zero
	r.tail.Store(tail + 1)
	return v, true
}

// Len returns a best-effort occupancy snapshot. It is sampled independently
// of any Push/Pop's critical section and is intended for metrics only
// (SPEC_FULL.md §4.I) — it is never used on the hot path.
func (r *Ring[T]) Len() int {
	return int(r.head.Load() - r.tail.Load())
}
