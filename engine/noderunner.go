// ABOUTME: Per-node driver: binds a node to its pipes, applies retry/breaker/error policies per item.
// ABOUTME: Resolves fatal node failures through the pipeline error handler, including restarts.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/2389-research/npipeline/breaker"
	"github.com/2389-research/npipeline/graph"
	"github.com/2389-research/npipeline/lineage"
	"github.com/2389-research/npipeline/pipe"
)

// errDownstreamGone signals that the consumer released its input pipe; the
// producer winds down without error.
var errDownstreamGone = errors.New("downstream consumer gone")

// taggedEnv is one envelope with the input port it arrived on.
type taggedEnv struct {
	env  *lineage.Envelope
	port int
}

// restartState holds a resilient node's replayable input and reset hook.
type restartState struct {
	items []taggedEnv
	fresh func()
}

// nodeRunner drives one node for the duration of a run.
type nodeRunner struct {
	node      *graph.Node
	st        *runState
	inputs    []*pipe.Streaming[*lineage.Envelope]
	output    *pipe.Streaming[*lineage.Envelope]
	retryOpts graph.RetryOptions

	counters nodeCounters
	failed   bool

	restart         *restartState
	restartAttempts int
	process         func(ctx context.Context, te taggedEnv) error
	flush           func(ctx context.Context) error
}

// run executes the node until its input ends or a fatal condition stops it.
// The returned error is pipeline-fatal; recoverable failures resolve to nil.
func (nr *nodeRunner) run(ctx context.Context) error {
	id := nr.node.ID()
	start := time.Now()
	nr.st.em.emit(Event{Type: EventNodeStarted, NodeID: id, Data: map[string]any{
		"kind": nr.node.Kind().String(),
	}})

	defer func() {
		for _, in := range nr.inputs {
			if in != nil {
				in.Release()
			}
		}
		if nr.output != nil {
			nr.output.Close()
			nr.output.Release()
		}
	}()

	var err error
	switch nr.node.Kind() {
	case graph.KindSource:
		err = nr.runSource(ctx)
	case graph.KindTransform:
		err = nr.runTransform(ctx)
	case graph.KindSink:
		err = nr.runSink(ctx)
	case graph.KindAggregate:
		err = nr.runAggregate(ctx)
	case graph.KindJoin:
		err = nr.runJoin(ctx)
	default:
		err = fmt.Errorf("node %q: unknown kind %v", id, nr.node.Kind())
	}

	if err != nil {
		if errors.Is(err, errDownstreamGone) {
			err = nil
		} else {
			err = nr.resolveFatal(ctx, err)
		}
	}

	success := err == nil && !nr.failed
	dur := time.Since(start)
	m := nr.counters.snapshot(id, nr.node.Kind(), dur, success)
	nr.st.recordMetrics(m)
	nr.st.em.emit(Event{Type: EventNodeCompleted, NodeID: id, Data: map[string]any{
		"success":         success,
		"items_processed": m.ItemsProcessed,
		"items_emitted":   m.ItemsEmitted,
		"retries":         m.RetryCount,
		"dead_lettered":   m.DeadLettered,
		"duration_ms":     dur.Milliseconds(),
		"throughput_sec":  m.ThroughputSec,
	}})
	return err
}

// resolveFatal routes a fatal node failure through the pipeline error
// handler. Returns nil when the pipeline should keep running.
func (nr *nodeRunner) resolveFatal(ctx context.Context, cause error) error {
	id := nr.node.ID()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Some faults bypass the handler: they indicate the failure policy
	// itself can no longer be honored.
	var capErr *MaterializationCapError
	var dlsErr *DeadLetterSinkError
	if errors.As(cause, &capErr) || errors.As(cause, &dlsErr) {
		nr.failed = true
		return cause
	}

	handler := nr.st.cfg.ErrorHandler
	if handler == nil {
		handler = graph.FailFast
	}

	err := cause
	for {
		decision := handler(ctx, id, err)
		switch decision {
		case graph.PipelineContinue:
			nr.failed = true
			nr.st.em.emit(Event{Type: EventNodeFailed, NodeID: id, Data: map[string]any{
				"error": err.Error(), "decision": decision.String(),
			}})
			return nil

		case graph.PipelineDrainAndStop:
			nr.failed = true
			nr.st.draining.Store(true)
			nr.st.em.emit(Event{Type: EventNodeFailed, NodeID: id, Data: map[string]any{
				"error": err.Error(), "decision": decision.String(),
			}})
			return nil

		case graph.PipelineRestartNode:
			if nr.restart == nil {
				nr.failed = true
				return fmt.Errorf("node %q: restart requested without materialized input (enable the resilient strategy): %w", id, err)
			}
			if nr.restartAttempts >= nr.retryOpts.MaxNodeRestartAttempts {
				nr.failed = true
				return &RestartExhaustedError{NodeID: id, Attempts: nr.restartAttempts, Err: err}
			}
			nr.restartAttempts++
			nr.counters.restarts.Add(1)
			nr.st.em.emit(Event{Type: EventNodeRestarted, NodeID: id, Data: map[string]any{
				"attempt": nr.restartAttempts,
			}})
			nr.restart.fresh()
			rerr := nr.processAll(ctx, nr.restart.items)
			if rerr == nil || errors.Is(rerr, errDownstreamGone) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			err = rerr
			continue

		default: // graph.PipelineFail
			nr.failed = true
			return err
		}
	}
}

// inputFault classifies an upstream pipe error for the consuming node.
func (nr *nodeRunner) inputFault(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &InputError{NodeID: nr.node.ID(), Err: err}
}

// send pushes an envelope downstream, or finalizes it when the node has no
// consumer (warn-mode dangling output).
func (nr *nodeRunner) send(ctx context.Context, env *lineage.Envelope) error {
	if nr.output == nil {
		nr.st.tracker.Finalize(env)
		return nil
	}
	if err := nr.output.Emit(ctx, env); err != nil {
		if errors.Is(err, pipe.ErrReleased) {
			return errDownstreamGone
		}
		return err
	}
	return nil
}

// eventTime resolves an item's event time: node extractor, then the
// Timestamped interface, then arrival time.
func (nr *nodeRunner) eventTime(item any) time.Time {
	if ts, ok := nr.node.EventTimeOf(item); ok {
		return ts
	}
	if ts, ok := item.(interface{ EventTime() time.Time }); ok {
		return ts.EventTime()
	}
	return time.Now()
}

// safeTransform invokes the node's transform callback with panic recovery
// and the optional per-operation timeout.
func (nr *nodeRunner) safeTransform(ctx context.Context, item any) (d graph.RawDecision) {
	callCtx := ctx
	if t := nr.node.OpTimeout(); t > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			d = graph.RawDecision{Err: fmt.Errorf("user callback panic in node %q: %v\n%s",
				nr.node.ID(), r, debug.Stack())}
		}
	}()
	return nr.node.TransformFn()(callCtx, item)
}

// safeSink invokes the node's sink callback with panic recovery and the
// optional per-operation timeout.
func (nr *nodeRunner) safeSink(ctx context.Context, item any) (err error) {
	callCtx := ctx
	if t := nr.node.OpTimeout(); t > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("user callback panic in node %q: %v\n%s", nr.node.ID(), r, debug.Stack())
		}
	}()
	return nr.node.SinkFn()(callCtx, item)
}

// invokeItem runs one user invocation under the retry wrapper and circuit
// breaker. Returns the successful decision, whether any retry happened, or
// the terminal error after budget exhaustion.
func (nr *nodeRunner) invokeItem(ctx context.Context, call func(context.Context) graph.RawDecision) (graph.RawDecision, bool, error) {
	id := nr.node.ID()
	var brk *breaker.Breaker
	if nr.st.breakers != nil {
		brk = nr.st.breakers.Get(id)
	}

	attempts := 0
	retried := false
	for {
		var d graph.RawDecision
		if brk != nil {
			if err := brk.Allow(); err != nil {
				d = graph.RawDecision{Err: fmt.Errorf("node %q: %w", id, err)}
			}
		}
		if d.Err == nil {
			d = call(ctx)
			if brk != nil {
				if d.Err != nil {
					brk.RecordFailure()
				} else {
					brk.RecordSuccess()
				}
			}
		}

		if d.Err == nil {
			return d, retried, nil
		}

		if nr.st.transient(d.Err) && attempts < nr.retryOpts.MaxItemRetries {
			attempts++
			retried = true
			nr.counters.retries.Add(1)
			nr.st.em.emit(Event{Type: EventNodeRetry, NodeID: id, Data: map[string]any{
				"attempt": attempts, "error": d.Err.Error(),
			}})
			sleepWithContext(ctx, backoffDelay(nr.retryOpts, attempts-1))
			if ctx.Err() != nil {
				return graph.RawDecision{}, retried, ctx.Err()
			}
			continue
		}

		finalErr := d.Err
		if attempts > 0 && nr.st.transient(d.Err) {
			finalErr = &RetryExhaustedError{NodeID: id, Attempts: attempts + 1, Err: d.Err}
		}
		return graph.RawDecision{}, retried, finalErr
	}
}

// handleItemFailure consults the node error handler for one failed item.
// The bool return requests one handler-granted retry round.
func (nr *nodeRunner) handleItemFailure(ctx context.Context, env *lineage.Envelope, cause error, handlerRetryUsed bool) (bool, error) {
	id := nr.node.ID()
	nr.st.tracker.RecordHop(env, lineage.Hop{NodeID: id, Outcome: lineage.Errored})

	handler := nr.node.ErrorHandler()
	if handler == nil {
		handler = graph.DeadLetterAll
	}

	switch handler(ctx, id, env.Data, cause) {
	case graph.DecisionRetry:
		// The budgeted retries are spent; grant at most one more round to
		// avoid a handler-driven infinite loop.
		if !handlerRetryUsed {
			return true, nil
		}
		nr.st.logger.Warn("node error handler requested retry twice; skipping item",
			"node", id, "error", cause)
		nr.st.tracker.Finalize(env)
		return false, nil

	case graph.DecisionSkip:
		nr.st.tracker.Finalize(env)
		return false, nil

	case graph.DecisionStopNode:
		nr.st.tracker.Finalize(env)
		return false, &StopNodeError{NodeID: id, Err: cause}

	case graph.DecisionFailPipeline:
		nr.st.tracker.Finalize(env)
		return false, fmt.Errorf("node %q: item failed fatally: %w", id, cause)

	default: // graph.DecisionDeadLetter
		return false, nr.writeDeadLetter(ctx, env, cause)
	}
}

// writeDeadLetter records the failed item and delivers it to the dead-letter
// sink. Sink failures escalate to pipeline failure unless configured away.
func (nr *nodeRunner) writeDeadLetter(ctx context.Context, env *lineage.Envelope, cause error) error {
	id := nr.node.ID()
	nr.counters.deadLettered.Add(1)
	nr.st.tracker.RecordHop(env, lineage.Hop{NodeID: id, Outcome: lineage.DeadLettered, Cardinality: lineage.CardZero})
	nr.st.tracker.Finalize(env)
	nr.st.em.emit(Event{Type: EventItemDeadLettered, NodeID: id, Data: map[string]any{
		"error": cause.Error(), "kind": errorKind(cause),
	}})

	sink := nr.st.cfg.DeadLetterSink
	if sink == nil {
		return nil
	}
	path := make([]string, len(env.Path))
	copy(path, env.Path)
	dl := graph.DeadLetter{
		ID:         ulid.Make(),
		Item:       env.Data,
		NodeID:     id,
		Kind:       errorKind(cause),
		Message:    cause.Error(),
		CauseChain: causeChain(cause),
		Path:       path,
		OccurredAt: time.Now(),
	}
	if err := sink.Write(ctx, dl); err != nil {
		if nr.st.cfg.IgnoreDeadLetterSinkFailures {
			nr.st.logger.Warn("dead-letter sink write failed", "node", id, "error", err)
			return nil
		}
		return &DeadLetterSinkError{NodeID: id, Err: err}
	}
	return nil
}

// errorKind buckets an error into the dead-letter taxonomy.
func errorKind(err error) string {
	var re *RetryExhaustedError
	var ie *InputError
	var te *TransientError
	switch {
	case errors.Is(err, errLateItem):
		return "late_item"
	case errors.Is(err, breaker.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &re):
		return "retry_exhausted"
	case errors.As(err, &ie):
		return "input_fault"
	case errors.As(err, &te):
		return "transient"
	default:
		return "user_fault"
	}
}
