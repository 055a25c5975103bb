// ABOUTME: Per-node execution strategies: sequential, parallel, batching, and resilient composition.
// ABOUTME: Also defines the retry options shared by the per-item and per-node budgets.
package graph

import (
	"time"

	"github.com/2389-research/npipeline/lineage"
)

// StrategyKind identifies an execution strategy.
type StrategyKind int

const (
	StrategySequential StrategyKind = iota
	StrategyParallel
	StrategyBatching
	StrategyResilient
)

// Strategy describes how a node runner drives the node's user logic.
type Strategy struct {
	Kind StrategyKind
	// Workers is the parallel worker count (StrategyParallel).
	Workers int
	// BatchSize groups items before processing (StrategyBatching).
	BatchSize int
	// Partitioner, when set on a parallel strategy, pins items with equal
	// partition keys to the same worker, preserving per-key order.
	Partitioner func(any) any
	// Inner is the wrapped strategy (StrategyResilient).
	Inner *Strategy
}

// Sequential processes items one at a time in upstream order.
func Sequential() Strategy {
	return Strategy{Kind: StrategySequential}
}

// Parallel processes items on n workers. Without a partitioner, cross-item
// order is not specified.
func Parallel(workers int) Strategy {
	if workers < 1 {
		workers = 1
	}
	return Strategy{Kind: StrategyParallel, Workers: workers}
}

// PartitionedParallel processes items on n workers, hashing the partition key
// to a worker so per-key order is preserved.
func PartitionedParallel(workers int, partitioner func(any) any) Strategy {
	s := Parallel(workers)
	s.Partitioner = partitioner
	return s
}

// Batching buffers items into groups of size before processing.
func Batching(size int) Strategy {
	if size < 1 {
		size = 1
	}
	return Strategy{Kind: StrategyBatching, BatchSize: size}
}

// Resilient wraps an inner strategy with restart-on-failure semantics backed
// by materialized inputs. Wrapping an already-resilient strategy returns it
// unchanged.
func Resilient(inner Strategy) Strategy {
	if inner.Kind == StrategyResilient {
		return inner
	}
	in := inner
	return Strategy{Kind: StrategyResilient, Inner: &in}
}

// Unwrap returns the innermost non-resilient strategy.
func (s Strategy) Unwrap() Strategy {
	for s.Kind == StrategyResilient && s.Inner != nil {
		s = *s.Inner
	}
	if s.Kind == StrategyResilient {
		return Sequential()
	}
	return s
}

// IsResilient reports whether the strategy carries restart semantics.
func (s Strategy) IsResilient() bool {
	return s.Kind == StrategyResilient
}

// RetryOptions configures the two independent failure budgets: per-item
// retries with backoff, and per-node restarts with bounded materialization.
type RetryOptions struct {
	// MaxItemRetries is the per-item retry budget; an item is attempted at
	// most MaxItemRetries+1 times.
	MaxItemRetries int
	// BaseDelay seeds the exponential backoff (base * 2^attempt).
	BaseDelay time.Duration
	// MaxBackoff caps any single backoff delay.
	MaxBackoff time.Duration
	// MaxNodeRestartAttempts is the per-node restart budget under the
	// resilient strategy.
	MaxNodeRestartAttempts int
	// MaxMaterializedItems caps how many upstream items are buffered to make
	// a streaming input replayable for restart.
	MaxMaterializedItems int
	// OverflowPolicy selects Strict or WarnContinue behavior when the
	// materialization cap is hit.
	OverflowPolicy lineage.OverflowPolicy
}

// DefaultRetryOptions returns the standard retry configuration.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxItemRetries:         3,
		BaseDelay:              100 * time.Millisecond,
		MaxBackoff:             30 * time.Second,
		MaxNodeRestartAttempts: 1,
		MaxMaterializedItems:   10000,
		OverflowPolicy:         lineage.Strict,
	}
}
