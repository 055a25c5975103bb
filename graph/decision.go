// ABOUTME: Decision sum type returned by transform callbacks: Ok, Reject, or FailItem.
// ABOUTME: Replaces exception-driven filtering; the runner routes on the decision.
package graph

// Decision is the result of one transform invocation: an emitted value, a
// rejection (the item is filtered out, not an error), or an item failure.
type Decision[T any] struct {
	out    T
	reject bool
	reason string
	err    error
}

// Ok emits the given value.
func Ok[T any](v T) Decision[T] {
	return Decision[T]{out: v}
}

// Reject filters the item out with a diagnostic reason. Not an error: the
// pipeline continues and the lineage hop records FilteredOut.
func Reject[T any](reason string) Decision[T] {
	return Decision[T]{reject: true, reason: reason}
}

// FailItem marks the item as failed with the given cause. The runner routes
// it through retry and the node error handler.
func FailItem[T any](err error) Decision[T] {
	return Decision[T]{err: err}
}

// raw converts the typed decision to its type-erased form.
func (d Decision[T]) raw() RawDecision {
	switch {
	case d.err != nil:
		return RawDecision{Err: d.err}
	case d.reject:
		return RawDecision{Reject: true, Reason: d.reason}
	default:
		return RawDecision{Outs: []any{d.out}}
	}
}
