// ABOUTME: Typed graph model for pipeline definitions: nodes, edges, kinds, and frozen metadata.
// ABOUTME: Nodes carry type-erased behavior installed by the generic builder helpers.
package graph

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/2389-research/npipeline/join"
	"github.com/2389-research/npipeline/lineage"
	"github.com/2389-research/npipeline/window"
)

// Kind identifies what role a node plays in the graph.
type Kind int

const (
	KindSource Kind = iota
	KindTransform
	KindJoin
	KindAggregate
	KindSink
)

func (k Kind) String() string {
	switch k {
	case KindSource:
		return "source"
	case KindTransform:
		return "transform"
	case KindJoin:
		return "join"
	case KindAggregate:
		return "aggregate"
	case KindSink:
		return "sink"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Cardinality is a node's declared input-to-output multiplicity. The lineage
// engine uses it to seed mappings for non-1:1 hops.
type Cardinality int

const (
	CardinalityUnknown Cardinality = iota
	OneToOne
	OneToMany
	ManyToOne
	ManyToMany
)

// MergeStrategy selects how a multi-input node combines its input streams.
type MergeStrategy int

const (
	// MergeInterleave consumes inputs in arrival order.
	MergeInterleave MergeStrategy = iota
	// MergeOrdered consumes inputs round-robin.
	MergeOrdered
	// MergeCustom delegates to the node's custom merge function.
	MergeCustom
)

// MergeFunc is a user-supplied merger for MergeCustom. Inputs and the merged
// output yield *lineage.Envelope values.
type MergeFunc func(ctx context.Context, inputs []EnvelopeSeq) EnvelopeSeq

// EnvelopeSeq is a pull function over envelopes: it returns the next envelope
// or ok=false at end of input.
type EnvelopeSeq func() (*lineage.Envelope, error, bool)

// RawDecision is the type-erased result of one transform invocation.
// Err set means the item failed; Reject means it was filtered out; otherwise
// Outs holds the emissions.
type RawDecision struct {
	Outs   []any
	Reject bool
	Reason string
	Err    error
}

// JoinSpec holds a join node's compiled, type-erased configuration.
type JoinSpec struct {
	LeftKey  func(any) any
	RightKey func(any) any
	Project  func(left, right any, hasLeft, hasRight bool) any
	Mode     join.Mode
	Window   time.Duration

	// LeftTime and RightTime extract per-side event times; nil falls back
	// to the Timestamped interface, then arrival time.
	LeftTime  func(any) (time.Time, bool)
	RightTime func(any) (time.Time, bool)

	LeftType  reflect.Type
	RightType reflect.Type
	KeyType   reflect.Type
}

// AggregateSpec holds an aggregate node's compiled, type-erased configuration.
// Key returns ok=false for empty-key items, which are skipped.
type AggregateSpec struct {
	Key      func(any) (any, bool)
	NewAcc   func() any
	Fold     func(acc, item any) any
	Result   func(acc any) any
	Assigner window.Assigner

	AllowedLateness      time.Duration
	MaxConcurrentWindows int

	KeyType reflect.Type
	AccType reflect.Type
}

// Node is one vertex of the pipeline graph. Configuration is chainable until
// Build freezes the graph; all later access is read-only through accessors.
type Node struct {
	id          string
	kind        Kind
	inputTypes  []reflect.Type
	outputType  reflect.Type
	cardinality Cardinality
	merge       MergeStrategy
	customMerge MergeFunc

	sourceFn    func(ctx context.Context, emit func(context.Context, any) error) error
	transformFn func(ctx context.Context, item any) RawDecision
	sinkFn      func(ctx context.Context, item any) error
	joinSpec    *JoinSpec
	aggSpec     *AggregateSpec

	timestampOf func(any) (time.Time, bool)
	maxLag      time.Duration
	watermarked bool
	opTimeout   time.Duration

	strategy      Strategy
	retry         *RetryOptions
	errorHandler  NodeErrorHandler
	lineageMapper lineage.Mapper

	frozen bool
}

// ID returns the node's unique id.
func (n *Node) ID() string { return n.id }

// Kind returns the node's role.
func (n *Node) Kind() Kind { return n.kind }

// InputTypes returns the declared element type of each input port.
func (n *Node) InputTypes() []reflect.Type {
	out := make([]reflect.Type, len(n.inputTypes))
	copy(out, n.inputTypes)
	return out
}

// OutputType returns the declared output element type, or nil for sinks.
func (n *Node) OutputType() reflect.Type { return n.outputType }

// DeclaredCardinality returns the node's declared multiplicity.
func (n *Node) DeclaredCardinality() Cardinality { return n.cardinality }

// Merge returns the multi-input merge strategy.
func (n *Node) Merge() MergeStrategy { return n.merge }

// CustomMerge returns the user merger for MergeCustom, or nil.
func (n *Node) CustomMerge() MergeFunc { return n.customMerge }

// SourceFn returns the type-erased source behavior, or nil.
func (n *Node) SourceFn() func(ctx context.Context, emit func(context.Context, any) error) error {
	return n.sourceFn
}

// TransformFn returns the type-erased transform behavior, or nil.
func (n *Node) TransformFn() func(ctx context.Context, item any) RawDecision {
	return n.transformFn
}

// SinkFn returns the type-erased sink behavior, or nil.
func (n *Node) SinkFn() func(ctx context.Context, item any) error { return n.sinkFn }

// Join returns the join configuration, or nil.
func (n *Node) Join() *JoinSpec { return n.joinSpec }

// Aggregate returns the aggregate configuration, or nil.
func (n *Node) Aggregate() *AggregateSpec { return n.aggSpec }

// EventTimeOf extracts an item's event time using the node's declared
// extractor. The second return is false when the node has none.
func (n *Node) EventTimeOf(item any) (time.Time, bool) {
	if n.timestampOf == nil {
		return time.Time{}, false
	}
	return n.timestampOf(item)
}

// Watermark returns the node's out-of-orderness bound and whether
// watermarking is enabled.
func (n *Node) Watermark() (time.Duration, bool) { return n.maxLag, n.watermarked }

// ExecutionStrategy returns the node's execution strategy.
func (n *Node) ExecutionStrategy() Strategy { return n.strategy }

// Retry returns the per-node retry options, or nil to use the pipeline
// default.
func (n *Node) Retry() *RetryOptions { return n.retry }

// ErrorHandler returns the per-node error handler, or nil.
func (n *Node) ErrorHandler() NodeErrorHandler { return n.errorHandler }

// LineageMapper returns the node's lineage mapper, or nil.
func (n *Node) LineageMapper() lineage.Mapper { return n.lineageMapper }

// mutable panics when the node is frozen. Configuration after Build is a
// programming error.
func (n *Node) mutable() *Node {
	if n.frozen {
		panic(fmt.Sprintf("node %q: configuration is frozen after Build", n.id))
	}
	return n
}

// WithCardinality overrides the declared cardinality.
func (n *Node) WithCardinality(c Cardinality) *Node {
	n.mutable().cardinality = c
	return n
}

// WithMergeStrategy sets the multi-input merge strategy.
func (n *Node) WithMergeStrategy(m MergeStrategy) *Node {
	n.mutable().merge = m
	return n
}

// WithCustomMerge installs a user merger and selects MergeCustom.
func (n *Node) WithCustomMerge(fn MergeFunc) *Node {
	n.mutable()
	n.merge = MergeCustom
	n.customMerge = fn
	return n
}

// WithStrategy sets the node's execution strategy.
func (n *Node) WithStrategy(s Strategy) *Node {
	n.mutable().strategy = s
	return n
}

// WithRetry sets per-node retry options, overriding the pipeline default.
func (n *Node) WithRetry(r RetryOptions) *Node {
	n.mutable().retry = &r
	return n
}

// WithErrorHandler sets the node's per-item error handler.
func (n *Node) WithErrorHandler(h NodeErrorHandler) *Node {
	n.mutable().errorHandler = h
	return n
}

// WithLineageMapper sets the lineage mapper used for non-1:1 hops.
func (n *Node) WithLineageMapper(m lineage.Mapper) *Node {
	n.mutable().lineageMapper = m
	return n
}

// WithWatermark enables event-time watermarking on this node with the given
// out-of-orderness bound.
func (n *Node) WithWatermark(maxLag time.Duration) *Node {
	n.mutable()
	n.maxLag = maxLag
	n.watermarked = true
	return n
}

// OpTimeout returns the per-operation timeout wrapping user code, 0 for
// none.
func (n *Node) OpTimeout() time.Duration { return n.opTimeout }

// WithTimeout wraps each user-code invocation in the given timeout. Expiry
// surfaces as a timeout error, which the transient detector treats as
// retryable.
func (n *Node) WithTimeout(d time.Duration) *Node {
	n.mutable().opTimeout = d
	return n
}

// WithResilience enables the resilient execution strategy with the given
// restart budget. Applying it more than once updates the budget without
// re-wrapping.
func (n *Node) WithResilience(maxRestarts int) *Node {
	n.mutable()
	if n.strategy.Kind != StrategyResilient {
		inner := n.strategy
		n.strategy = Resilient(inner)
	}
	r := n.effectiveRetryForUpdate()
	r.MaxNodeRestartAttempts = maxRestarts
	n.retry = r
	return n
}

// effectiveRetryForUpdate returns a mutable copy of the node's retry options,
// starting from defaults when none are set.
func (n *Node) effectiveRetryForUpdate() *RetryOptions {
	if n.retry != nil {
		return n.retry
	}
	r := DefaultRetryOptions()
	return &r
}

// Edge is a directed, typed connection between two node ports.
type Edge struct {
	From     string
	FromPort int
	To       string
	ToPort   int
	ElemType reflect.Type
}

func (e *Edge) String() string {
	return fmt.Sprintf("%s[%d] -> %s[%d] (%v)", e.From, e.FromPort, e.To, e.ToPort, e.ElemType)
}

// typeOf returns the reflect.Type of T without needing a value.
func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}
