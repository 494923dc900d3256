package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Pop once the queue is closed and drained
var ErrClosed = errors.New("queue closed")

// Queue is a generic FIFO queue safe for one or more producers and consumers.
// Push never blocks.
type Queue[T any] struct {
	items  []T
	closed bool
	ready  chan struct{}
	done   chan struct{}

	mu sync.Mutex
}

// New creates and returns a new Queue instance.
func New[T any]() *Queue[T] {
	return &Queue[T]{
		items: []T{},
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Push adds an element to the end of the queue. It reports false if the
// queue is closed.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, item)
	q.signal()
	return true
}

// PushFront returns an element to the front of the queue, ahead of every
// queued element. It succeeds even when the queue is closed so an element
// taken by a consumer that gave up can still be drained.
func (q *Queue[T]) PushFront(item T) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append([]T{item}, q.items...)
	q.signal()
}

// TryPop removes and returns the front element of the queue.
// The boolean indicates whether an element was dequeued (false if the queue was empty).
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pop()
}

// Pop waits for the front element. It returns ErrClosed once the queue is
// closed and empty, or ctx.Err() when ctx ends first.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	for {
		q.mu.Lock()
		item, ok := q.pop()
		closed := q.closed
		q.mu.Unlock()

		if ok {
			return item, nil
		}
		if closed {
			var zero T
			return zero, ErrClosed
		}

		select {
		case <-q.ready:
		case <-q.done:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// pop removes the front element; callers hold mu
func (q *Queue[T]) pop() (T, bool) {
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	item := q.items[0]
	var zero T
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) > 0 {
		q.signal()
	}
	return item, true
}

// signal wakes one waiting consumer; callers hold mu
func (q *Queue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Peek returns the front element without removing it from the queue.
// The boolean indicates whether an element was found (false if the queue is empty).
func (q *Queue[T]) Peek() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	return q.items[0], true
}

// Len returns the number of elements in the queue.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// IsEmpty returns true if the queue is empty.
func (q *Queue[T]) IsEmpty() bool {
	return q.Len() == 0
}

// Close stops further pushes. Elements already queued can still be popped.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Drain removes and returns every queued element
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = []T{}
	return items
}

// Pipe forwards queued elements to the returned channel in order. The channel
// closes once the queue is closed and drained, or when ctx ends. An element
// popped but not yet received when ctx ends goes back to the front of the
// queue, so Drain still sees it after the channel has closed.
func (q *Queue[T]) Pipe(ctx context.Context) <-chan T {
	out := make(chan T)

	go func() {
		defer close(out)
		for {
			item, err := q.Pop(ctx)
			if err != nil {
				return
			}
			select {
			case out <- item:
			case <-ctx.Done():
				q.PushFront(item)
				return
			}
		}
	}()

	return out
}
