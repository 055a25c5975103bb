// ABOUTME: Kind-specific node loops: source, transform, sink, aggregate, and join execution.
// ABOUTME: Aggregate and join nodes run their stateful operators behind the shared consume machinery.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/2389-research/npipeline/graph"
	"github.com/2389-research/npipeline/join"
	"github.com/2389-research/npipeline/lineage"
	"github.com/2389-research/npipeline/watermark"
	"github.com/2389-research/npipeline/window"
)

// errLateItem marks items dropped for arriving behind the watermark.
var errLateItem = errors.New("item event time behind watermark")

// runSource drives the source callback, wrapping each produced item in a
// fresh lineage envelope.
func (nr *nodeRunner) runSource(ctx context.Context) error {
	id := nr.node.ID()
	err := nr.node.SourceFn()(ctx, func(ctx context.Context, item any) error {
		if nr.st.draining.Load() {
			return errDraining
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		env := nr.st.tracker.NewEnvelope(item, id)
		nr.counters.processed.Add(1)
		nr.st.sourceEmitted.Add(1)
		nr.st.tracker.RecordHop(env, lineage.Hop{NodeID: id, Outcome: lineage.Emitted, Cardinality: lineage.CardOne, Emissions: 1})
		nr.counters.emitted.Add(1)
		return nr.send(ctx, env)
	})
	if errors.Is(err, errDraining) || errors.Is(err, errDownstreamGone) {
		return nil
	}
	return err
}

// runTransform processes items through the node's decision callback.
func (nr *nodeRunner) runTransform(ctx context.Context) error {
	process := func(ctx context.Context, te taggedEnv) error {
		return nr.processTransformItem(ctx, te.env)
	}
	return nr.runConsume(ctx, process, nil, func() {})
}

// processTransformItem runs one item through retry, breaker, and decision
// routing.
func (nr *nodeRunner) processTransformItem(ctx context.Context, env *lineage.Envelope) error {
	nr.st.tracker.Visit(env, nr.node.ID())
	nr.counters.processed.Add(1)

	handlerRetryUsed := false
	for {
		d, retried, err := nr.invokeItem(ctx, func(c context.Context) graph.RawDecision {
			return nr.safeTransform(c, env.Data)
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			again, ferr := nr.handleItemFailure(ctx, env, err, handlerRetryUsed)
			if again {
				handlerRetryUsed = true
				continue
			}
			return ferr
		}
		return nr.emitDecision(ctx, env, d, retried)
	}
}

// runSink consumes items through the node's sink callback.
func (nr *nodeRunner) runSink(ctx context.Context) error {
	process := func(ctx context.Context, te taggedEnv) error {
		return nr.processSinkItem(ctx, te.env)
	}
	return nr.runConsume(ctx, process, nil, func() {})
}

func (nr *nodeRunner) processSinkItem(ctx context.Context, env *lineage.Envelope) error {
	nr.st.tracker.Visit(env, nr.node.ID())
	nr.counters.processed.Add(1)

	handlerRetryUsed := false
	for {
		d, retried, err := nr.invokeItem(ctx, func(c context.Context) graph.RawDecision {
			if serr := nr.safeSink(c, env.Data); serr != nil {
				return graph.RawDecision{Err: serr}
			}
			return graph.RawDecision{}
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			again, ferr := nr.handleItemFailure(ctx, env, err, handlerRetryUsed)
			if again {
				handlerRetryUsed = true
				continue
			}
			return ferr
		}
		return nr.emitDecision(ctx, env, d, retried)
	}
}

// emitDecision routes a successful decision: rejection, sink consumption,
// single emission, or fan-out with optional lineage mapping.
func (nr *nodeRunner) emitDecision(ctx context.Context, env *lineage.Envelope, d graph.RawDecision, retried bool) error {
	id := nr.node.ID()
	outcome := lineage.Emitted
	if retried {
		outcome |= lineage.Retried
	}

	if d.Reject {
		fo := lineage.FilteredOut
		if retried {
			fo |= lineage.Retried
		}
		nr.st.tracker.RecordHop(env, lineage.Hop{NodeID: id, Outcome: fo, Cardinality: lineage.CardZero})
		nr.counters.filtered.Add(1)
		nr.st.tracker.Finalize(env)
		return nil
	}

	switch len(d.Outs) {
	case 0:
		// Terminal sink consumption.
		nr.st.tracker.RecordHop(env, lineage.Hop{NodeID: id, Outcome: outcome, Cardinality: lineage.CardOne})
		nr.st.tracker.Finalize(env)
		return nil

	case 1:
		env.Data = d.Outs[0]
		nr.st.tracker.RecordHop(env, lineage.Hop{NodeID: id, Outcome: outcome, Cardinality: lineage.CardOne, Emissions: 1})
		nr.counters.emitted.Add(1)
		return nr.send(ctx, env)

	default:
		var perOut map[int][]int
		if mapper := nr.node.LineageMapper(); mapper != nil {
			mappings := mapper([]any{env.Data}, d.Outs)
			applied, truncated, err := lineage.ApplyMappings(mappings, 1, len(d.Outs),
				nr.st.cfg.Lineage.MaxContributors, nr.st.cfg.Lineage.Overflow)
			if err != nil {
				return fmt.Errorf("node %q lineage mapper: %w", id, err)
			}
			if truncated {
				env.Truncated = true
				nr.st.logger.Warn("lineage mapping truncated", "node", id)
			}
			perOut = make(map[int][]int, len(applied))
			for _, m := range applied {
				perOut[m.OutputIndex] = m.InputIndices
			}
		}
		for i, out := range d.Outs {
			c := env.Clone()
			c.Data = out
			hop := lineage.Hop{NodeID: id, Outcome: outcome, Cardinality: lineage.CardMany, Emissions: len(d.Outs)}
			if perOut != nil {
				hop.InputIndices = perOut[i]
			}
			nr.st.tracker.RecordHop(c, hop)
			nr.counters.emitted.Add(1)
			if err := nr.send(ctx, c); err != nil {
				return err
			}
		}
		return nil
	}
}

// runAggregate drives the windowed aggregation operator, advancing the
// watermark as event times are observed.
func (nr *nodeRunner) runAggregate(ctx context.Context) error {
	id := nr.node.ID()
	spec := nr.node.Aggregate()

	var op *window.Operator[*lineage.Envelope, any, any, any]
	var gen *watermark.BoundedOutOfOrder
	var lateErr error
	var droppedLate bool

	build := func() {
		op = window.NewOperator[*lineage.Envelope, any, any, any](
			window.Config{
				Assigner:             spec.Assigner,
				AllowedLateness:      spec.AllowedLateness,
				MaxConcurrentWindows: spec.MaxConcurrentWindows,
			},
			func(env *lineage.Envelope) (any, bool) { return spec.Key(env.Data) },
			spec.NewAcc,
			func(acc any, env *lineage.Envelope) any { return spec.Fold(acc, env.Data) },
			spec.Result,
		)
		op.OnLate = func(env *lineage.Envelope, w time.Time) {
			droppedLate = true
			if err := nr.routeLate(ctx, env, w); err != nil && lateErr == nil {
				lateErr = err
			}
		}
		if lag, ok := nr.node.Watermark(); ok {
			gen = watermark.NewBoundedOutOfOrder(lag)
		}
		lateErr = nil
	}
	build()

	process := func(ctx context.Context, te taggedEnv) error {
		env := te.env
		nr.st.tracker.Visit(env, id)
		nr.counters.processed.Add(1)
		ts := nr.eventTime(env.Data)

		if gen != nil {
			gen.Observe(ts)
			wm := gen.Current()
			if ems := op.AdvanceWatermark(wm); len(ems) > 0 {
				if err := nr.emitWindows(ctx, ems); err != nil {
					return err
				}
			}
			if ts.Before(wm) {
				return nr.routeLate(ctx, env, wm)
			}
		}

		droppedLate = false
		forced := op.Offer(env, ts)
		if lateErr != nil {
			err := lateErr
			lateErr = nil
			return err
		}
		if !droppedLate {
			nr.st.tracker.RecordHop(env, lineage.Hop{NodeID: id, Outcome: lineage.Aggregated, Cardinality: lineage.CardOne})
			nr.st.tracker.Finalize(env)
		}
		if len(forced) > 0 {
			return nr.emitWindows(ctx, forced)
		}
		return nil
	}

	flush := func(ctx context.Context) error {
		if err := nr.emitWindows(ctx, op.Flush()); err != nil {
			return err
		}
		m := op.Metrics()
		nr.st.em.emit(Event{Type: EventQueueMetrics, NodeID: id, Data: map[string]any{
			"windows_opened":  m.WindowsOpened,
			"windows_closed":  m.WindowsClosed,
			"windows_evicted": m.WindowsEvicted,
			"active_windows":  m.ActiveWindows,
			"late_dropped":    m.LateDropped,
			"empty_key":       m.EmptyKeySkipped,
		}})
		return nil
	}

	return nr.runConsume(ctx, process, flush, build)
}

// routeLate counts a late item and routes it through writeDeadLetter: it is
// delivered to the dead-letter sink when one is configured; otherwise it is
// only counted, recorded in lineage and reported as an event.
func (nr *nodeRunner) routeLate(ctx context.Context, env *lineage.Envelope, wm time.Time) error {
	nr.counters.lateDropped.Add(1)
	cause := fmt.Errorf("node %q: %w (watermark %s)", nr.node.ID(), errLateItem, wm.Format(time.RFC3339Nano))
	return nr.writeDeadLetter(ctx, env, cause)
}

// emitWindows wraps closed-window results in fresh envelopes rooted at the
// aggregate node and pushes them downstream.
func (nr *nodeRunner) emitWindows(ctx context.Context, ems []window.Emission[any, any]) error {
	id := nr.node.ID()
	for _, e := range ems {
		env := nr.st.tracker.NewEnvelope(e.Value, id)
		outcome := lineage.Aggregated | lineage.Emitted
		if e.Evicted {
			outcome |= lineage.Evicted
		}
		nr.st.tracker.RecordHop(env, lineage.Hop{NodeID: id, Outcome: outcome, Cardinality: lineage.CardMany, Emissions: e.Count})
		nr.counters.emitted.Add(1)
		nr.st.em.emit(Event{Type: EventWindowClosed, NodeID: id, Data: map[string]any{
			"key":          fmt.Sprintf("%v", e.Key),
			"window_start": e.Span.Start,
			"window_end":   e.Span.End,
			"count":        e.Count,
			"evicted":      e.Evicted,
		}})
		if err := nr.send(ctx, env); err != nil {
			return err
		}
	}
	return nil
}

// joinOut carries a join result with the envelopes that produced it.
type joinOut struct {
	value       any
	left, right *lineage.Envelope
	hasL, hasR  bool
}

// runJoin drives the keyed windowed join operator over the node's two
// inputs.
func (nr *nodeRunner) runJoin(ctx context.Context) error {
	id := nr.node.ID()
	spec := nr.node.Join()

	var op *join.Operator[*lineage.Envelope, *lineage.Envelope, any, joinOut]
	var gen *watermark.BoundedOutOfOrder

	build := func() {
		op = join.NewOperator[*lineage.Envelope, *lineage.Envelope, any, joinOut](
			func(l *lineage.Envelope) any { return spec.LeftKey(l.Data) },
			func(r *lineage.Envelope) any { return spec.RightKey(r.Data) },
			func(l, r *lineage.Envelope, hasL, hasR bool) joinOut {
				var lv, rv any
				if hasL {
					lv = l.Data
				}
				if hasR {
					rv = r.Data
				}
				return joinOut{value: spec.Project(lv, rv, hasL, hasR), left: l, right: r, hasL: hasL, hasR: hasR}
			},
			spec.Mode, spec.Window)
		if lag, ok := nr.node.Watermark(); ok {
			gen = watermark.NewBoundedOutOfOrder(lag)
		}
	}
	build()

	sideTime := func(port int, item any) time.Time {
		fn := spec.LeftTime
		if port == 1 {
			fn = spec.RightTime
		}
		if fn != nil {
			if ts, ok := fn(item); ok {
				return ts
			}
		}
		return nr.eventTime(item)
	}

	process := func(ctx context.Context, te taggedEnv) error {
		env := te.env
		nr.st.tracker.Visit(env, id)
		nr.counters.processed.Add(1)
		ts := sideTime(te.port, env.Data)

		if gen != nil {
			gen.Observe(ts)
			if outs := op.AdvanceWatermark(gen.Current()); len(outs) > 0 {
				if err := nr.emitJoins(ctx, outs); err != nil {
					return err
				}
			}
		}

		var matches []joinOut
		if te.port == 0 {
			matches = op.OfferLeft(env, ts)
		} else {
			matches = op.OfferRight(env, ts)
		}

		card := lineage.CardZero
		switch {
		case len(matches) == 1:
			card = lineage.CardOne
		case len(matches) > 1:
			card = lineage.CardMany
		}
		nr.st.tracker.RecordHop(env, lineage.Hop{NodeID: id, Outcome: lineage.Joined, Cardinality: card, Emissions: len(matches)})
		nr.st.tracker.Finalize(env)
		return nr.emitJoins(ctx, matches)
	}

	flush := func(ctx context.Context) error {
		return nr.emitJoins(ctx, op.Flush())
	}

	return nr.runConsume(ctx, process, flush, build)
}

// emitJoins wraps join results in envelopes continuing the left (or only
// present) side's lineage.
func (nr *nodeRunner) emitJoins(ctx context.Context, outs []joinOut) error {
	id := nr.node.ID()
	for _, jo := range outs {
		base := jo.left
		if !jo.hasL {
			base = jo.right
		}
		env := base.Clone()
		env.Data = jo.value
		nr.st.tracker.RecordHop(env, lineage.Hop{NodeID: id, Outcome: lineage.Joined | lineage.Emitted, Cardinality: lineage.CardOne, Emissions: 1})
		nr.counters.emitted.Add(1)
		if err := nr.send(ctx, env); err != nil {
			return err
		}
	}
	return nil
}
