// Package ringchan provides a bounded channel-like buffer with
// overwrite-oldest semantics. Producers never block: when the buffer is
// full the oldest element is discarded. Sessions use it for their debug
// trace (a sensor that floods notifications must not stall its own
// notification handler), and the discovery scanner uses it for its
// advertisement event stream.
package ringchan

import "sync/atomic"

// Ring wraps a buffered channel and guarantees non-blocking sends.
type Ring[T any] struct {
	ch      chan T
	dropped atomic.Uint64
}

// New creates a Ring with the given capacity. Panics if capacity <= 0.
func New[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &Ring[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel. Consumers can range over
// it until Close is called.
func (r *Ring[T]) C() <-chan T {
	return r.ch
}

// Send inserts v, discarding the oldest element if the buffer is full.
// Returns true when an element was dropped to make room.
func (r *Ring[T]) Send(v T) bool {
	for {
		select {
		case r.ch <- v:
			return false
		default:
		}
		select {
		case <-r.ch:
			r.dropped.Add(1)
		default:
		}
		select {
		case r.ch <- v:
			return true
		default:
			// Raced with another producer; retry.
		}
	}
}

// TryReceive performs a non-blocking receive.
func (r *Ring[T]) TryReceive() (T, bool) {
	select {
	case v, ok := <-r.ch:
		return v, ok
	default:
		var zero T
		return zero, false
	}
}

// Drain removes and returns all currently buffered elements, oldest first.
func (r *Ring[T]) Drain() []T {
	var out []T
	for {
		select {
		case v := <-r.ch:
			out = append(out, v)
		default:
			return out
		}
	}
}

// Len reports the number of buffered elements.
func (r *Ring[T]) Len() int { return len(r.ch) }

// Dropped reports how many elements were discarded to make room.
func (r *Ring[T]) Dropped() uint64 { return r.dropped.Load() }

// Close closes the channel. Sends after Close will panic; callers own the
// ordering.
func (r *Ring[T]) Close() { close(r.ch) }
