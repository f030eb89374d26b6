// Package fifo provides a first-in first-out queue between goroutines whose
// ends are channels, so that producers and consumers can select on it along
// with an abort channel.
package fifo

import "sync/atomic"

// Queue holds up to Capacity items between In and Out. With Capacity 0 the
// queue is unbounded; otherwise a send on In blocks while the queue is full.
// Beware! You almost certainly want T to be a small value or a pointer.
type Queue[T any] struct {
	in        chan T
	out       chan T
	capacity  int
	length    atomic.Int64
	highWater atomic.Int64
}

// New creates a Queue and starts the goroutine that moves items through it.
func New[T any](capacity int) *Queue[T] {
	q := &Queue[T]{
		in:       make(chan T),
		out:      make(chan T),
		capacity: capacity,
	}
	go q.run()
	return q
}

func (q *Queue[T]) full(n int) bool {
	return q.capacity > 0 && n >= q.capacity
}

func (q *Queue[T]) run() {
	var queue []T
	in := q.in
	for {
		// A nil channel blocks forever, so a full queue stops accepting and an
		// empty one stops offering.
		recv := in
		if q.full(len(queue)) {
			recv = nil
		}
		var send chan T
		var head T
		if len(queue) > 0 {
			send = q.out
			head = queue[0]
		}
		if recv == nil && send == nil {
			// Input closed and everything delivered.
			close(q.out)
			return
		}
		select {
		case send <- head:
			var zero T
			queue[0] = zero
			queue = queue[1:]
			q.length.Add(-1)
		case v, ok := <-recv:
			if !ok {
				in = nil
				continue
			}
			queue = append(queue, v)
			n := q.length.Add(1)
			if n > q.highWater.Load() {
				q.highWater.Store(n)
			}
		}
	}
}

// In returns the channel for adding items. Close it when no more items will
// be added; Out is closed once the remaining items have been received.
func (q *Queue[T]) In() chan<- T {
	return q.in
}

// Out returns the channel for removing items.
func (q *Queue[T]) Out() <-chan T {
	return q.out
}

// Len returns the number of items waiting in the queue.
func (q *Queue[T]) Len() int {
	return int(q.length.Load())
}

// HighWater returns the largest Len observed.
func (q *Queue[T]) HighWater() int {
	return int(q.highWater.Load())
}

// TryPush adds v if the queue accepts it right away, and reports whether it did.
func (q *Queue[T]) TryPush(v T) bool {
	select {
	case q.in <- v:
		return true
	default:
		return false
	}
}
