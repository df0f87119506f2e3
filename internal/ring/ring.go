// Package ring provides a fixed-size, goroutine-safe circular buffer.
//
// The event log keeps recent events in one for live inspection, and the
// restore engine keeps its bounded position history in one. Oldest values
// are evicted first.
package ring

import "sync"

// DefaultSize is the capacity used when a non-positive size is requested.
const DefaultSize = 1024

// Ring is a fixed-size circular buffer. Safe for concurrent Push and reads.
type Ring[T any] struct {
	mu    sync.Mutex
	buf   []T
	size  int
	head  int // next write position
	count int // valid entries (0..size)
}

// New creates a ring with the given capacity.
func New[T any](size int) *Ring[T] {
	if size <= 0 {
		size = DefaultSize
	}
	return &Ring[T]{
		buf:  make([]T, size),
		size: size,
	}
}

// Push appends v, overwriting the oldest value when full.
func (r *Ring[T]) Push(v T) {
	r.mu.Lock()
	r.buf[r.head] = v
	r.head = (r.head + 1) % r.size
	if r.count < r.size {
		r.count++
	}
	r.mu.Unlock()
}

// Snapshot returns a copy of all values, oldest first.
func (r *Ring[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Ring[T]) snapshotLocked() []T {
	if r.count == 0 {
		return nil
	}
	out := make([]T, r.count)
	if r.count < r.size {
		copy(out, r.buf[:r.count])
	} else {
		n := copy(out, r.buf[r.head:])
		copy(out[n:], r.buf[:r.head])
	}
	return out
}

// Last returns the n most recent values, oldest first.
// n > Len returns everything; n <= 0 returns nil.
func (r *Ring[T]) Last(n int) []T {
	if n <= 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return nil
	}
	if n > r.count {
		n = r.count
	}

	out := make([]T, n)
	start := (r.head - n + r.size) % r.size
	if start+n <= r.size {
		copy(out, r.buf[start:start+n])
	} else {
		first := r.size - start
		copy(out, r.buf[start:])
		copy(out[first:], r.buf[:n-first])
	}
	return out
}

// Replace discards the current contents and pushes vals in order. When vals
// exceeds the capacity only the newest values survive.
func (r *Ring[T]) Replace(vals []T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.head, r.count = 0, 0
	if len(vals) > r.size {
		vals = vals[len(vals)-r.size:]
	}
	for _, v := range vals {
		r.buf[r.head] = v
		r.head = (r.head + 1) % r.size
		r.count++
	}
}

// Find returns the newest value matching fn.
func (r *Ring[T]) Find(fn func(T) bool) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < r.count; i++ {
		idx := (r.head - 1 - i + r.size) % r.size
		if fn(r.buf[idx]) {
			return r.buf[idx], true
		}
	}
	var zero T
	return zero, false
}

// Len returns the number of values held.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Cap returns the capacity.
func (r *Ring[T]) Cap() int {
	return r.size
}
