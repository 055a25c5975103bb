// ABOUTME: Typed, lazy, single-consumer data-pipe abstraction connecting pipeline nodes.
// ABOUTME: Defines the Pipe interface, iteration error types, and the Collect helper.
package pipe

import (
	"context"
	"errors"
	"fmt"
	"iter"
)

// ErrAlreadyConsumed is yielded when a pipe is iterated more than once.
// Every pipe has exactly one consumer; a second iteration is a wiring bug.
var ErrAlreadyConsumed = errors.New("pipe already consumed")

// ErrReleased is returned by Emit after the pipe has been released.
var ErrReleased = errors.New("pipe released")

// IterationError wraps an upstream failure surfaced mid-iteration.
type IterationError struct {
	Stream string
	Err    error
}

func (e *IterationError) Error() string {
	return fmt.Sprintf("iteration of %q failed: %v", e.Stream, e.Err)
}

func (e *IterationError) Unwrap() error {
	return e.Err
}

// Pipe is a lazy, single-consumer sequence of items flowing between two nodes.
// Iterate yields items until the sequence ends or an error occurs; a non-nil
// error is always the final element. Release is idempotent and must be called
// on every exit path by the pipe's owner.
type Pipe[T any] interface {
	Name() string
	Iterate(ctx context.Context) iter.Seq2[T, error]
	Release()
}

// Collect drains a pipe into a slice, returning the items seen before the
// first error. Convenient for sinks and tests.
func Collect[T any](ctx context.Context, p Pipe[T]) ([]T, error) {
	var out []T
	for item, err := range p.Iterate(ctx) {
		if err != nil {
			return out, err
		}
		out = append(out, item)
	}
	return out, nil
}
