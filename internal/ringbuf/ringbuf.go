// Package ringbuf provides a bounded FIFO ring that evicts old entries instead
// of blocking the producer. It backs the per-subscriber queues of the hub, where
// one slow consumer must never stall the publisher.
package ringbuf

import "sync"

// Ring is a fixed-capacity FIFO safe for concurrent producers and consumers.
type Ring[T any] struct {
	mu   sync.Mutex
	buf  []T
	head int // index of oldest element
	n    int

	overflow uint64
}

// New creates a ring holding at most capacity elements. Minimum capacity is 1.
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v. Returns false if the ring is full (v is NOT written in that case).
func (r *Ring[T]) Push(v T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.n == len(r.buf) {
		r.overflow++
		return false
	}
	r.put(v)
	return true
}

// PushEvict appends v, making room when full by removing the oldest element
// for which evictable returns true. If no element is evictable the oldest one
// is removed. The removed element is returned with ok=true.
func (r *Ring[T]) PushEvict(v T, evictable func(T) bool) (evicted T, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.n == len(r.buf) {
		r.overflow++
		pos := 0
		if evictable != nil {
			for i := 0; i < r.n; i++ {
				if evictable(r.buf[r.idx(i)]) {
					pos = i
					break
				}
			}
		}
		evicted, ok = r.removeAt(pos), true
	}
	r.put(v)
	return evicted, ok
}

// Pop removes and returns the oldest element. Returns false if empty.
func (r *Ring[T]) Pop() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.n == 0 {
		var zero T
		return zero, false
	}
	return r.removeAt(0), true
}

// Drain removes and returns every queued element, oldest first.
func (r *Ring[T]) Drain() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, 0, r.n)
	for r.n > 0 {
		out = append(out, r.removeAt(0))
	}
	return out
}

// Snapshot copies the queued elements, oldest first, without removing them.
func (r *Ring[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[r.idx(i)]
	}
	return out
}

// Len returns the current number of items in the ring.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// Overflow returns how many pushes found the ring full.
func (r *Ring[T]) Overflow() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.overflow
}

func (r *Ring[T]) idx(i int) int { return (r.head + i) % len(r.buf) }

// put assumes r.n < len(r.buf) and the lock is held.
func (r *Ring[T]) put(v T) {
	r.buf[r.idx(r.n)] = v
	r.n++
}

// removeAt deletes the element at logical position pos, closing the gap by
// shifting the newer elements one slot towards the head.
func (r *Ring[T]) removeAt(pos int) T {
	var zero T
	v := r.buf[r.idx(pos)]
	if pos == 0 {
		r.buf[r.head] = zero
		r.head = (r.head + 1) % len(r.buf)
		r.n--
		return v
	}
	for i := pos; i < r.n-1; i++ {
		r.buf[r.idx(i)] = r.buf[r.idx(i+1)]
	}
	r.buf[r.idx(r.n-1)] = zero
	r.n--
	return v
}
