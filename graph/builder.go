// ABOUTME: Fluent typed builder: AddSource/AddTransform/AddJoin/AddAggregate/AddSink plus Connect.
// ABOUTME: Generic helpers install type-erased behavior on nodes and return typed handles.
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/2389-research/npipeline/breaker"
	"github.com/2389-research/npipeline/join"
	"github.com/2389-research/npipeline/lineage"
	"github.com/2389-research/npipeline/window"
)

// ValidationMode selects whether soft build checks error or warn.
type ValidationMode int

const (
	// ValidateStrict turns every check into a build error.
	ValidateStrict ValidationMode = iota
	// ValidateWarn logs soft findings (dangling outputs, orphan nodes) and
	// continues; structural faults still error.
	ValidateWarn
)

// PipelineConfig carries pipeline-level policy attached at build time.
type PipelineConfig struct {
	DefaultRetry                 RetryOptions
	ErrorHandler                 PipelineErrorHandler
	DeadLetterSink               DeadLetterSink
	IgnoreDeadLetterSinkFailures bool

	Lineage     lineage.Options
	LineageSink lineage.Sink

	BreakerEnabled bool
	Breaker        breaker.Options
	BreakerMemory  breaker.MemoryOptions

	// PipeCapacity is the bounded channel size of each edge pipe; 0 means
	// the engine default.
	PipeCapacity int
}

// Builder assembles a pipeline graph incrementally. Not safe for concurrent
// use; definition happens on one goroutine.
type Builder struct {
	Config PipelineConfig

	mode   ValidationMode
	logger *slog.Logger

	nodes map[string]*Node
	order []string
	edges []*Edge
	errs  []error
}

// NewBuilder creates an empty builder in strict validation mode.
func NewBuilder() *Builder {
	return &Builder{
		Config: PipelineConfig{DefaultRetry: DefaultRetryOptions()},
		logger: slog.Default(),
		nodes:  make(map[string]*Node),
	}
}

// WithValidationMode sets the validation mode.
func (b *Builder) WithValidationMode(m ValidationMode) *Builder {
	b.mode = m
	return b
}

// WithLogger sets the logger used for build warnings.
func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// addNode registers a node, recording a build error on duplicate ids.
func (b *Builder) addNode(n *Node) {
	if _, exists := b.nodes[n.id]; exists {
		b.errs = append(b.errs, fmt.Errorf("duplicate node id %q", n.id))
		return
	}
	b.nodes[n.id] = n
	b.order = append(b.order, n.id)
}

// Handle is a typed reference to a node's output port.
type Handle[T any] struct {
	b    *Builder
	node *Node
	port int
}

// Node returns the underlying node for configuration chaining.
func (h Handle[T]) Node() *Node { return h.node }

// WithEventTime declares the item timestamp extractor on the handle's node.
func (h Handle[T]) WithEventTime(fn func(T) time.Time) Handle[T] {
	h.node.mutable().timestampOf = func(v any) (time.Time, bool) {
		return fn(v.(T)), true
	}
	return h
}

// Input is a typed reference to a node's input port.
type Input[T any] struct {
	b    *Builder
	node *Node
	port int
}

// Node returns the underlying node for configuration chaining.
func (i Input[T]) Node() *Node { return i.node }

// Connect wires an output handle to an input port. Element-type agreement is
// enforced by the shared type parameter; single-consumer and arity rules are
// checked at Build.
func Connect[T any](from Handle[T], to Input[T]) {
	b := from.b
	if b == nil || to.b == nil {
		return
	}
	if from.b != to.b {
		b.errs = append(b.errs, fmt.Errorf("connect %q -> %q: handles belong to different builders",
			from.node.id, to.node.id))
		return
	}
	b.edges = append(b.edges, &Edge{
		From:     from.node.id,
		FromPort: from.port,
		To:       to.node.id,
		ToPort:   to.port,
		ElemType: typeOf[T](),
	})
}

// ConnectByID wires two nodes without typed handles. Element types are
// checked at Build instead of compile time; the escape hatch exists for
// graphs assembled from external descriptions.
func (b *Builder) ConnectByID(fromID string, fromPort int, toID string, toPort int) {
	from, ok := b.nodes[fromID]
	if !ok {
		b.errs = append(b.errs, fmt.Errorf("connect: unknown node %q", fromID))
		return
	}
	if _, ok := b.nodes[toID]; !ok {
		b.errs = append(b.errs, fmt.Errorf("connect: unknown node %q", toID))
		return
	}
	b.edges = append(b.edges, &Edge{
		From:     fromID,
		FromPort: fromPort,
		To:       toID,
		ToPort:   toPort,
		ElemType: from.outputType,
	})
}

// SourceHandle is the typed handle returned by AddSource.
type SourceHandle[T any] struct {
	node *Node
	out  Handle[T]
}

// Node returns the underlying node.
func (h SourceHandle[T]) Node() *Node { return h.node }

// Out returns the source's output handle.
func (h SourceHandle[T]) Out() Handle[T] { return h.out }

// AddSource registers a source node. The source drives the pipeline by
// calling emit once per produced item; returning ends the stream.
func AddSource[T any](b *Builder, id string, fn func(ctx context.Context, emit func(context.Context, T) error) error) SourceHandle[T] {
	n := &Node{
		id:          id,
		kind:        KindSource,
		outputType:  typeOf[T](),
		cardinality: OneToMany,
		sourceFn: func(ctx context.Context, emit func(context.Context, any) error) error {
			return fn(ctx, func(ctx context.Context, v T) error {
				return emit(ctx, v)
			})
		},
	}
	b.addNode(n)
	return SourceHandle[T]{node: n, out: Handle[T]{b: b, node: n}}
}

// SliceSource registers a source that emits the given items in order.
func SliceSource[T any](b *Builder, id string, items []T) SourceHandle[T] {
	return AddSource(b, id, func(ctx context.Context, emit func(context.Context, T) error) error {
		for _, item := range items {
			if err := emit(ctx, item); err != nil {
				return err
			}
		}
		return nil
	})
}

// TransformHandle is the typed handle returned by AddTransform and friends.
type TransformHandle[In, Out any] struct {
	node *Node
	in   Input[In]
	out  Handle[Out]
}

// Node returns the underlying node.
func (h TransformHandle[In, Out]) Node() *Node { return h.node }

// In returns the transform's input port.
func (h TransformHandle[In, Out]) In() Input[In] { return h.in }

// Out returns the transform's output handle.
func (h TransformHandle[In, Out]) Out() Handle[Out] { return h.out }

// AddTransform registers a one-to-one transform returning a Decision per
// item.
func AddTransform[In, Out any](b *Builder, id string, fn func(ctx context.Context, in In) Decision[Out]) TransformHandle[In, Out] {
	n := &Node{
		id:          id,
		kind:        KindTransform,
		inputTypes:  []reflect.Type{typeOf[In]()},
		outputType:  typeOf[Out](),
		cardinality: OneToOne,
		transformFn: func(ctx context.Context, item any) RawDecision {
			return fn(ctx, item.(In)).raw()
		},
	}
	b.addNode(n)
	return TransformHandle[In, Out]{
		node: n,
		in:   Input[In]{b: b, node: n},
		out:  Handle[Out]{b: b, node: n},
	}
}

// AddFlatMap registers a one-to-many transform: each input expands to zero
// or more outputs.
func AddFlatMap[In, Out any](b *Builder, id string, fn func(ctx context.Context, in In) ([]Out, error)) TransformHandle[In, Out] {
	n := &Node{
		id:          id,
		kind:        KindTransform,
		inputTypes:  []reflect.Type{typeOf[In]()},
		outputType:  typeOf[Out](),
		cardinality: OneToMany,
		transformFn: func(ctx context.Context, item any) RawDecision {
			outs, err := fn(ctx, item.(In))
			if err != nil {
				return RawDecision{Err: err}
			}
			if len(outs) == 0 {
				return RawDecision{Reject: true, Reason: "no expansion"}
			}
			erased := make([]any, len(outs))
			for i, o := range outs {
				erased[i] = o
			}
			return RawDecision{Outs: erased}
		},
	}
	b.addNode(n)
	return TransformHandle[In, Out]{
		node: n,
		in:   Input[In]{b: b, node: n},
		out:  Handle[Out]{b: b, node: n},
	}
}

// AddFilter registers a predicate transform: items failing the predicate are
// filtered out (not errors).
func AddFilter[T any](b *Builder, id string, pred func(T) bool) TransformHandle[T, T] {
	return AddTransform(b, id, func(ctx context.Context, in T) Decision[T] {
		if pred(in) {
			return Ok(in)
		}
		return Reject[T]("predicate")
	})
}

// SinkHandle is the typed handle returned by AddSink.
type SinkHandle[T any] struct {
	node *Node
	in   Input[T]
}

// Node returns the underlying node.
func (h SinkHandle[T]) Node() *Node { return h.node }

// In returns the sink's input port.
func (h SinkHandle[T]) In() Input[T] { return h.in }

// AddSink registers a sink consuming one item per call.
func AddSink[T any](b *Builder, id string, fn func(ctx context.Context, item T) error) SinkHandle[T] {
	n := &Node{
		id:          id,
		kind:        KindSink,
		inputTypes:  []reflect.Type{typeOf[T]()},
		cardinality: ManyToOne,
		sinkFn: func(ctx context.Context, item any) error {
			return fn(ctx, item.(T))
		},
	}
	b.addNode(n)
	return SinkHandle[T]{node: n, in: Input[T]{b: b, node: n}}
}

// JoinHandle is the typed handle returned by AddJoin.
type JoinHandle[L, R, Out any] struct {
	node  *Node
	left  Input[L]
	right Input[R]
	out   Handle[Out]
}

// Node returns the underlying node.
func (h JoinHandle[L, R, Out]) Node() *Node { return h.node }

// Left returns the join's left input port.
func (h JoinHandle[L, R, Out]) Left() Input[L] { return h.left }

// Right returns the join's right input port.
func (h JoinHandle[L, R, Out]) Right() Input[R] { return h.right }

// Out returns the join's output handle.
func (h JoinHandle[L, R, Out]) Out() Handle[Out] { return h.out }

// WithEventTimes declares per-side event time extractors for windowed
// correlation.
func (h JoinHandle[L, R, Out]) WithEventTimes(left func(L) time.Time, right func(R) time.Time) JoinHandle[L, R, Out] {
	h.node.mutable()
	if left != nil {
		h.node.joinSpec.LeftTime = func(v any) (time.Time, bool) { return left(v.(L)), true }
	}
	if right != nil {
		h.node.joinSpec.RightTime = func(v any) (time.Time, bool) { return right(v.(R)), true }
	}
	return h
}

// AddJoin registers a two-input join correlating items by key within the
// given time window. The project function receives presence flags so outer
// modes can emit with a missing partner.
func AddJoin[L, R any, K comparable, Out any](
	b *Builder,
	id string,
	leftKey KeyFn[L, K],
	rightKey KeyFn[R, K],
	project func(left L, right R, hasLeft, hasRight bool) Out,
	mode join.Mode,
	windowSize time.Duration,
) JoinHandle[L, R, Out] {
	n := &Node{
		id:          id,
		kind:        KindJoin,
		inputTypes:  []reflect.Type{typeOf[L](), typeOf[R]()},
		outputType:  typeOf[Out](),
		cardinality: ManyToMany,
		joinSpec: &JoinSpec{
			LeftKey:  func(v any) any { return leftKey(v.(L)) },
			RightKey: func(v any) any { return rightKey(v.(R)) },
			Project: func(l, r any, hasL, hasR bool) any {
				var lv L
				var rv R
				if hasL {
					lv = l.(L)
				}
				if hasR {
					rv = r.(R)
				}
				return project(lv, rv, hasL, hasR)
			},
			Mode:      mode,
			Window:    windowSize,
			LeftType:  typeOf[L](),
			RightType: typeOf[R](),
			KeyType:   typeOf[K](),
		},
	}
	b.addNode(n)
	return JoinHandle[L, R, Out]{
		node:  n,
		left:  Input[L]{b: b, node: n, port: 0},
		right: Input[R]{b: b, node: n, port: 1},
		out:   Handle[Out]{b: b, node: n},
	}
}

// AggregateHandle is the typed handle returned by AddAggregate.
type AggregateHandle[In, Out any] struct {
	node *Node
	in   Input[In]
	out  Handle[Out]
}

// Node returns the underlying node.
func (h AggregateHandle[In, Out]) Node() *Node { return h.node }

// In returns the aggregate's input port.
func (h AggregateHandle[In, Out]) In() Input[In] { return h.in }

// Out returns the aggregate's output handle.
func (h AggregateHandle[In, Out]) Out() Handle[Out] { return h.out }

// WithEventTime declares the input item timestamp extractor used for window
// assignment and watermarking.
func (h AggregateHandle[In, Out]) WithEventTime(fn func(In) time.Time) AggregateHandle[In, Out] {
	h.node.mutable().timestampOf = func(v any) (time.Time, bool) {
		return fn(v.(In)), true
	}
	return h
}

// WithAllowedLateness extends window close by the given grace period.
func (h AggregateHandle[In, Out]) WithAllowedLateness(d time.Duration) AggregateHandle[In, Out] {
	h.node.mutable().aggSpec.AllowedLateness = d
	return h
}

// WithMaxConcurrentWindows bounds open-window memory; oldest windows are
// evicted first on overflow.
func (h AggregateHandle[In, Out]) WithMaxConcurrentWindows(n int) AggregateHandle[In, Out] {
	h.node.mutable().aggSpec.MaxConcurrentWindows = n
	return h
}

// AddAggregate registers a keyed, windowed aggregate node. Items whose key
// is the zero value of K are skipped.
func AddAggregate[In any, K comparable, Acc any, Out any](
	b *Builder,
	id string,
	key KeyFn[In, K],
	newAcc func() Acc,
	fold func(acc Acc, in In) Acc,
	result func(acc Acc) Out,
	assigner window.Assigner,
) AggregateHandle[In, Out] {
	n := &Node{
		id:          id,
		kind:        KindAggregate,
		inputTypes:  []reflect.Type{typeOf[In]()},
		outputType:  typeOf[Out](),
		cardinality: ManyToOne,
		aggSpec: &AggregateSpec{
			Key: func(v any) (any, bool) {
				k := key(v.(In))
				var zero K
				if k == zero {
					return nil, false
				}
				return k, true
			},
			NewAcc:   func() any { return newAcc() },
			Fold:     func(acc, item any) any { return fold(acc.(Acc), item.(In)) },
			Result:   func(acc any) any { return result(acc.(Acc)) },
			Assigner: assigner,
			KeyType:  typeOf[K](),
			AccType:  typeOf[Acc](),
		},
	}
	b.addNode(n)
	return AggregateHandle[In, Out]{
		node: n,
		in:   Input[In]{b: b, node: n},
		out:  Handle[Out]{b: b, node: n},
	}
}
