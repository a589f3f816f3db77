package mesh

import (
	"context"
	"sync"
)

// Future is the result of one asynchronous operation
type Future struct {
	done chan struct{}
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// resolve completes the future, it must be called exactly once
func (f *Future) resolve(err error) {
	f.err = err
	close(f.done)
}

// Done is closed once the operation completed
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Err returns the result of a completed operation
func (f *Future) Err() error {
	<-f.done
	return f.err
}

// Wait blocks until the operation completed or ctx is done
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PendingQueue is a FIFO of in-flight operations. Consumers block on Notify
// instead of polling; every Push signals it.
type PendingQueue struct {
	mu     sync.Mutex
	items  []*Future
	notify chan struct{}
}

func NewPendingQueue() *PendingQueue {
	return &PendingQueue{notify: make(chan struct{}, 1)}
}

// Go runs fn on its own goroutine and pushes its future
func (q *PendingQueue) Go(fn func() error) *Future {
	f := newFuture()
	q.Push(f)
	go func() { f.resolve(fn()) }()
	return f
}

// Push appends f and wakes up a waiting consumer
func (q *PendingQueue) Push(f *Future) {
	q.mu.Lock()
	q.items = append(q.items, f)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// TryPop removes the oldest future, if any
func (q *PendingQueue) TryPop() (*Future, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}
	f := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return f, true
}

// Len returns the number of queued futures
func (q *PendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Notify receives a value after at least one Push since the last receive
func (q *PendingQueue) Notify() <-chan struct{} {
	return q.notify
}

// Drain waits for all queued futures and returns the first error
func (q *PendingQueue) Drain(ctx context.Context) error {
	var first error
	for {
		f, ok := q.TryPop()
		if !ok {
			return first
		}
		if err := f.Wait(ctx); err != nil && first == nil {
			first = err
		}
	}
}
