// ABOUTME: Channel-backed streaming pipe with backpressure, cancellation, and failure propagation.
// ABOUTME: The producer side exposes Emit/Fail/Close; the consumer side iterates exactly once.
package pipe

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"
)

// Streaming is a pull-based pipe backed by a bounded channel. The producer
// blocks in Emit while the consumer is not reading, which propagates
// backpressure upstream. A Streaming pipe carries at most one terminal error
// set via Fail.
type Streaming[T any] struct {
	name     string
	ch       chan T
	done     chan struct{}
	consumed atomic.Bool

	closeOnce   sync.Once
	releaseOnce sync.Once

	mu  sync.Mutex
	err error
}

// NewStreaming creates a streaming pipe with the given diagnostic name and
// channel capacity. Capacity 0 means fully synchronous handoff.
func NewStreaming[T any](name string, capacity int) *Streaming[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Streaming[T]{
		name: name,
		ch:   make(chan T, capacity),
		done: make(chan struct{}),
	}
}

// Name returns the diagnostic stream name.
func (p *Streaming[T]) Name() string {
	return p.name
}

// Emit sends one item downstream, blocking until the consumer makes room.
// Returns ctx.Err() on cancellation and ErrReleased if the pipe was released.
func (p *Streaming[T]) Emit(ctx context.Context, item T) error {
	select {
	case p.ch <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrReleased
	}
}

// Fail records a terminal error and closes the pipe. The consumer observes
// the error as the final iteration element, wrapped in IterationError.
func (p *Streaming[T]) Fail(err error) {
	p.mu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.mu.Unlock()
	p.Close()
}

// Close marks the end of input. Idempotent.
func (p *Streaming[T]) Close() {
	p.closeOnce.Do(func() { close(p.ch) })
}

// Release tears the pipe down, unblocking a stuck producer. Idempotent.
func (p *Streaming[T]) Release() {
	p.releaseOnce.Do(func() { close(p.done) })
}

// Iterate returns the pipe's lazy sequence. A second call yields a single
// ErrAlreadyConsumed element. Cancellation yields ctx.Err() and stops.
func (p *Streaming[T]) Iterate(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		if p.consumed.Swap(true) {
			yield(zero, ErrAlreadyConsumed)
			return
		}
		for {
			select {
			case <-ctx.Done():
				yield(zero, ctx.Err())
				return
			case item, ok := <-p.ch:
				if !ok {
					p.mu.Lock()
					err := p.err
					p.mu.Unlock()
					if err != nil {
						yield(zero, &IterationError{Stream: p.name, Err: err})
					}
					return
				}
				if !yield(item, nil) {
					return
				}
			}
		}
	}
}
