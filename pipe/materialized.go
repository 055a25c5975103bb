// ABOUTME: Finite in-memory pipe used for replay during resilience restarts.
// ABOUTME: Snapshot produces a fresh, unconsumed pipe over the same items.
package pipe

import (
	"context"
	"iter"
	"sync/atomic"
)

// Materialized is a pipe over a finite in-memory sequence. Unlike Streaming,
// the items already exist, so a Snapshot can hand the same sequence to a
// restarted node.
type Materialized[T any] struct {
	name     string
	items    []T
	consumed atomic.Bool
}

// NewMaterialized creates a materialized pipe over the given items. The slice
// is not copied; callers must not mutate it afterward.
func NewMaterialized[T any](name string, items []T) *Materialized[T] {
	return &Materialized[T]{name: name, items: items}
}

// Name returns the diagnostic stream name.
func (p *Materialized[T]) Name() string {
	return p.name
}

// Items returns the underlying sequence.
func (p *Materialized[T]) Items() []T {
	return p.items
}

// Snapshot returns a fresh, unconsumed pipe over the same items.
func (p *Materialized[T]) Snapshot() *Materialized[T] {
	return NewMaterialized(p.name, p.items)
}

// Release is a no-op; materialized pipes hold no external resources.
func (p *Materialized[T]) Release() {}

// Iterate yields the buffered items in order, checking cancellation between
// items. A second call yields a single ErrAlreadyConsumed element.
func (p *Materialized[T]) Iterate(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		if p.consumed.Swap(true) {
			yield(zero, ErrAlreadyConsumed)
			return
		}
		for _, item := range p.items {
			if err := ctx.Err(); err != nil {
				yield(zero, err)
				return
			}
			if !yield(item, nil) {
				return
			}
		}
	}
}
