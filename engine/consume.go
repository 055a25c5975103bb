// ABOUTME: Input acquisition for node runners: merge strategies, bounded materialization, executors.
// ABOUTME: Implements sequential, parallel (optionally partitioned), and batching item execution.
package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"iter"

	"golang.org/x/sync/errgroup"

	"github.com/2389-research/npipeline/graph"
	"github.com/2389-research/npipeline/lineage"
)

// runConsume drives the node's per-item loop: streaming for ordinary nodes,
// materialize-then-replay for resilient ones. The process and flush hooks
// are installed by the kind-specific run functions; fresh resets node state
// between restart attempts.
func (nr *nodeRunner) runConsume(ctx context.Context, process func(context.Context, taggedEnv) error, flush func(context.Context) error, fresh func()) error {
	nr.process = process
	nr.flush = flush

	if nr.node.ExecutionStrategy().IsResilient() {
		items, err := nr.materializeInputs(ctx)
		if err != nil {
			return err
		}
		nr.restart = &restartState{items: items, fresh: fresh}
		return nr.processAll(ctx, items)
	}

	if err := nr.consumeStreaming(ctx); err != nil {
		return err
	}
	if nr.flush != nil {
		return nr.flush(ctx)
	}
	return nil
}

// processAll replays materialized items through a fresh executor. Envelopes
// are cloned per attempt so a restart replays pristine lineage.
func (nr *nodeRunner) processAll(ctx context.Context, items []taggedEnv) error {
	exec := nr.newExecutor(ctx)
	for _, te := range items {
		if err := exec.submit(ctx, taggedEnv{env: te.env.Clone(), port: te.port}); err != nil {
			_ = exec.finish(ctx)
			return err
		}
	}
	if err := exec.finish(ctx); err != nil {
		return err
	}
	if nr.flush != nil {
		return nr.flush(ctx)
	}
	return nil
}

// materializeInputs drains every input pipe into memory, bounded by the
// materialization cap. Strict overflow is pipeline-fatal; WarnContinue
// truncates with a warning.
func (nr *nodeRunner) materializeInputs(ctx context.Context) ([]taggedEnv, error) {
	limit := nr.retryOpts.MaxMaterializedItems
	var items []taggedEnv
	for port, in := range nr.inputs {
		count := 0
		for env, err := range in.Iterate(ctx) {
			if err != nil {
				return nil, nr.inputFault(err)
			}
			if count >= limit {
				if nr.retryOpts.OverflowPolicy == lineage.Strict {
					in.Release()
					return nil, &MaterializationCapError{NodeID: nr.node.ID(), Cap: limit}
				}
				nr.st.logger.Warn("materialization cap reached; truncating input",
					"node", nr.node.ID(), "port", port, "cap", limit)
				in.Release()
				break
			}
			items = append(items, taggedEnv{env: env, port: port})
			count++
		}
	}
	return items, nil
}

// consumeStreaming pulls from the node's inputs and dispatches items through
// the strategy executor.
func (nr *nodeRunner) consumeStreaming(ctx context.Context) error {
	exec := nr.newExecutor(ctx)

	var err error
	if len(nr.inputs) == 1 {
		err = nr.feedSingle(ctx, exec)
	} else {
		switch nr.node.Merge() {
		case graph.MergeOrdered:
			err = nr.feedRoundRobin(ctx, exec)
		case graph.MergeCustom:
			err = nr.feedCustom(ctx, exec)
		default:
			err = nr.feedInterleaved(ctx, exec)
		}
	}
	if err != nil {
		_ = exec.finish(ctx)
		return err
	}
	return exec.finish(ctx)
}

func (nr *nodeRunner) feedSingle(ctx context.Context, exec itemExecutor) error {
	for env, err := range nr.inputs[0].Iterate(ctx) {
		if err != nil {
			return nr.inputFault(err)
		}
		if perr := exec.submit(ctx, taggedEnv{env: env, port: 0}); perr != nil {
			return perr
		}
	}
	return nil
}

// feedInterleaved merges inputs in arrival order: one feeder goroutine per
// input pushing into a shared channel.
func (nr *nodeRunner) feedInterleaved(ctx context.Context, exec itemExecutor) error {
	mctx, cancel := context.WithCancel(ctx)
	defer cancel()

	merged := make(chan taggedEnv)
	g, fctx := errgroup.WithContext(mctx)
	for port, in := range nr.inputs {
		g.Go(func() error {
			for env, err := range in.Iterate(fctx) {
				if err != nil {
					return nr.inputFault(err)
				}
				select {
				case merged <- taggedEnv{env: env, port: port}:
				case <-fctx.Done():
					return fctx.Err()
				}
			}
			return nil
		})
	}

	feedErr := make(chan error, 1)
	go func() {
		feedErr <- g.Wait()
		close(merged)
	}()

	for te := range merged {
		if perr := exec.submit(ctx, te); perr != nil {
			cancel()
			for range merged {
			}
			<-feedErr
			return perr
		}
	}
	if err := <-feedErr; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// feedRoundRobin consumes inputs in strict rotation, skipping exhausted
// inputs.
func (nr *nodeRunner) feedRoundRobin(ctx context.Context, exec itemExecutor) error {
	type puller struct {
		next func() (*lineage.Envelope, error, bool)
		stop func()
		done bool
	}
	pullers := make([]*puller, len(nr.inputs))
	for i, in := range nr.inputs {
		next, stop := iter.Pull2(in.Iterate(ctx))
		pullers[i] = &puller{next: next, stop: stop}
	}
	defer func() {
		for _, p := range pullers {
			p.stop()
		}
	}()

	active := len(pullers)
	for i := 0; active > 0; i = (i + 1) % len(pullers) {
		p := pullers[i]
		if p.done {
			continue
		}
		env, err, ok := p.next()
		if !ok {
			p.done = true
			active--
			continue
		}
		if err != nil {
			return nr.inputFault(err)
		}
		if perr := exec.submit(ctx, taggedEnv{env: env, port: i}); perr != nil {
			return perr
		}
	}
	return nil
}

// feedCustom delegates interleaving to the node's custom merger, recovering
// each envelope's origin port by identity.
func (nr *nodeRunner) feedCustom(ctx context.Context, exec itemExecutor) error {
	sides := make(map[*lineage.Envelope]int)
	seqs := make([]graph.EnvelopeSeq, len(nr.inputs))
	var stops []func()
	for i, in := range nr.inputs {
		next, stop := iter.Pull2(in.Iterate(ctx))
		stops = append(stops, stop)
		seqs[i] = func() (*lineage.Envelope, error, bool) {
			env, err, ok := next()
			if ok && err == nil {
				sides[env] = i
			}
			return env, err, ok
		}
	}
	defer func() {
		for _, stop := range stops {
			stop()
		}
	}()

	merged := nr.node.CustomMerge()(ctx, seqs)
	for {
		env, err, ok := merged()
		if !ok {
			return nil
		}
		if err != nil {
			return nr.inputFault(err)
		}
		if perr := exec.submit(ctx, taggedEnv{env: env, port: sides[env]}); perr != nil {
			return perr
		}
	}
}

// itemExecutor dispatches items per the node's execution strategy.
type itemExecutor interface {
	submit(ctx context.Context, te taggedEnv) error
	finish(ctx context.Context) error
}

// newExecutor builds the executor for the node's effective strategy.
// Stateful nodes (join, aggregate) always run sequentially: their operators
// are single-threaded by design.
func (nr *nodeRunner) newExecutor(ctx context.Context) itemExecutor {
	strategy := nr.node.ExecutionStrategy().Unwrap()
	if nr.node.Kind() == graph.KindJoin || nr.node.Kind() == graph.KindAggregate {
		strategy = graph.Sequential()
	}

	switch strategy.Kind {
	case graph.StrategyParallel:
		return newParallelExecutor(ctx, strategy, nr.process)
	case graph.StrategyBatching:
		return &batchExecutor{size: strategy.BatchSize, process: nr.process}
	default:
		return &seqExecutor{process: nr.process}
	}
}

// seqExecutor processes items inline, preserving upstream order.
type seqExecutor struct {
	process func(context.Context, taggedEnv) error
}

func (e *seqExecutor) submit(ctx context.Context, te taggedEnv) error {
	return e.process(ctx, te)
}

func (e *seqExecutor) finish(ctx context.Context) error { return nil }

// batchExecutor buffers items into groups of size and processes each group
// sequentially.
type batchExecutor struct {
	size    int
	buf     []taggedEnv
	process func(context.Context, taggedEnv) error
}

func (e *batchExecutor) submit(ctx context.Context, te taggedEnv) error {
	e.buf = append(e.buf, te)
	if len(e.buf) < e.size {
		return nil
	}
	return e.drain(ctx)
}

func (e *batchExecutor) drain(ctx context.Context) error {
	batch := e.buf
	e.buf = nil
	for _, te := range batch {
		if err := e.process(ctx, te); err != nil {
			return err
		}
	}
	return nil
}

func (e *batchExecutor) finish(ctx context.Context) error {
	return e.drain(ctx)
}

// parallelExecutor fans items out to worker goroutines. With a partitioner,
// items hash to a fixed worker so per-key order holds; without one, order
// across items is not specified.
type parallelExecutor struct {
	chans       []chan taggedEnv
	group       *errgroup.Group
	partitioner func(any) any
	nextWorker  int
}

func newParallelExecutor(ctx context.Context, s graph.Strategy, process func(context.Context, taggedEnv) error) *parallelExecutor {
	workers := s.Workers
	if workers < 1 {
		workers = 1
	}
	e := &parallelExecutor{
		chans:       make([]chan taggedEnv, workers),
		partitioner: s.Partitioner,
	}
	g, gctx := errgroup.WithContext(ctx)
	e.group = g
	for i := range e.chans {
		ch := make(chan taggedEnv, 1)
		e.chans[i] = ch
		g.Go(func() error {
			for te := range ch {
				if err := process(gctx, te); err != nil {
					// Drain so submitters never block on a dead worker.
					for range ch {
					}
					return err
				}
			}
			return nil
		})
	}
	return e
}

func (e *parallelExecutor) submit(ctx context.Context, te taggedEnv) error {
	var idx int
	if e.partitioner != nil {
		h := fnv.New32a()
		fmt.Fprintf(h, "%v", e.partitioner(te.env.Data))
		idx = int(h.Sum32()) % len(e.chans)
	} else {
		idx = e.nextWorker
		e.nextWorker = (e.nextWorker + 1) % len(e.chans)
	}
	select {
	case e.chans[idx] <- te:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *parallelExecutor) finish(ctx context.Context) error {
	for _, ch := range e.chans {
		close(ch)
	}
	return e.group.Wait()
}
