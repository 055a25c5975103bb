// ABOUTME: Pipeline runner: instantiates a frozen graph, wires pipes per edge, and drives node runners.
// ABOUTME: Owns the run lifecycle, root cancellation fan-out, failure policy, and end-of-run reporting.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/2389-research/npipeline/breaker"
	"github.com/2389-research/npipeline/graph"
	"github.com/2389-research/npipeline/lineage"
	"github.com/2389-research/npipeline/pipe"
)

// DefaultPipeCapacity is the bounded channel size of edge pipes when the
// pipeline config does not set one.
const DefaultPipeCapacity = 64

// State is a run's terminal state.
type State int

const (
	StateSucceeded State = iota
	StateCanceled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateSucceeded:
		return "succeeded"
	case StateCanceled:
		return "canceled"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options configures one pipeline run.
type Options struct {
	// RunID identifies the run; auto-generated when empty.
	RunID string
	// EventHandler receives lifecycle events.
	EventHandler func(Event)
	// Logger receives warnings; defaults to slog.Default().
	Logger *slog.Logger
	// TransientDetector overrides retry eligibility classification.
	TransientDetector func(error) bool
}

// Result is the outcome of a pipeline run.
type Result struct {
	State   State
	RunID   string
	Err     error
	Metrics *PipelineMetrics
	Lineage *LineageReport
}

// Runner executes a frozen pipeline definition.
type Runner struct {
	def  *graph.Definition
	opts Options
}

// NewRunner creates a runner for the given definition.
func NewRunner(def *graph.Definition, opts Options) *Runner {
	return &Runner{def: def, opts: opts}
}

// Run is a convenience wrapper: build a runner and execute it.
func Run(ctx context.Context, def *graph.Definition, opts Options) (*Result, error) {
	return NewRunner(def, opts).Run(ctx)
}

// runState is the per-run shared context handed to every node runner.
type runState struct {
	def      *graph.Definition
	cfg      graph.PipelineConfig
	em       *emitter
	tracker  *lineage.Tracker
	breakers *breaker.Registry
	logger   *slog.Logger

	transient func(error) bool

	// draining stops sources while in-flight items complete.
	draining      atomic.Bool
	sourceEmitted atomic.Int64

	mu          sync.Mutex
	nodeMetrics map[string]NodeMetrics
}

func (st *runState) recordMetrics(m NodeMetrics) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.nodeMetrics[m.NodeID] = m
}

// Run executes the pipeline: topological instantiation, one pipe per edge,
// one goroutine per node, single root cancellation. Returns the run result;
// the error mirrors Result.Err for failed runs.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	runID := r.opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	logger := r.opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := r.def.Config()

	em := &emitter{runID: runID, handler: r.opts.EventHandler}
	st := &runState{
		def:         r.def,
		cfg:         cfg,
		em:          em,
		tracker:     lineage.NewTracker(runID, cfg.Lineage, cfg.LineageSink, logger),
		logger:      logger,
		transient:   r.opts.TransientDetector,
		nodeMetrics: make(map[string]NodeMetrics),
	}
	if st.transient == nil {
		st.transient = defaultTransient
	}
	if cfg.BreakerEnabled {
		st.breakers = breaker.NewRegistry(cfg.Breaker, cfg.BreakerMemory)
		st.breakers.OnTransition = func(tr breaker.Transition) {
			em.emit(Event{
				Type:   EventCircuitTransition,
				NodeID: tr.Key,
				Data:   map[string]any{"from": tr.From.String(), "to": tr.To.String()},
			})
		}
	}

	capacity := cfg.PipeCapacity
	if capacity <= 0 {
		capacity = DefaultPipeCapacity
	}

	// One streaming pipe per edge, typed by the lineage envelope the engine
	// threads through the graph.
	edges := r.def.Edges()
	allPipes := make([]*pipe.Streaming[*lineage.Envelope], 0, len(edges))
	inPipes := make(map[string][]*pipe.Streaming[*lineage.Envelope])
	outPipes := make(map[string]*pipe.Streaming[*lineage.Envelope])
	for _, n := range r.def.Nodes() {
		if ports := len(n.InputTypes()); ports > 0 {
			inPipes[n.ID()] = make([]*pipe.Streaming[*lineage.Envelope], ports)
		}
	}
	for _, e := range edges {
		p := pipe.NewStreaming[*lineage.Envelope](fmt.Sprintf("%s->%s", e.From, e.To), capacity)
		allPipes = append(allPipes, p)
		inPipes[e.To][e.ToPort] = p
		outPipes[e.From] = p
	}

	start := time.Now()
	em.emit(Event{Type: EventPipelineStarted, Data: map[string]any{"nodes": len(r.def.TopoOrder())}})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	for _, n := range r.def.Nodes() {
		nr := &nodeRunner{
			node:      n,
			st:        st,
			inputs:    inPipes[n.ID()],
			output:    outPipes[n.ID()],
			retryOpts: resolveRetry(n, cfg),
		}
		g.Go(func() error { return nr.run(gctx) })
	}

	err := g.Wait()
	for _, p := range allPipes {
		p.Release()
	}

	dur := time.Since(start)
	metrics := &PipelineMetrics{
		RunID:               runID,
		TotalItemsProcessed: st.sourceEmitted.Load(),
		Duration:            dur,
		PerNode:             st.nodeMetrics,
	}
	for _, m := range st.nodeMetrics {
		metrics.TotalDeadLettered += m.DeadLettered
	}

	res := &Result{
		RunID:   runID,
		Metrics: metrics,
		Lineage: buildLineageReport(runID, r.def),
	}

	switch {
	case err == nil:
		res.State = StateSucceeded
		em.emit(Event{Type: EventPipelineCompleted, Data: map[string]any{
			"items_processed": metrics.TotalItemsProcessed,
			"duration_ms":     dur.Milliseconds(),
		}})
		return res, nil
	case ctx.Err() != nil && errors.Is(err, context.Canceled):
		res.State = StateCanceled
		res.Err = err
		em.emit(Event{Type: EventPipelineFailed, Data: map[string]any{"kind": "canceled"}})
		return res, err
	default:
		res.State = StateFailed
		res.Err = err
		em.emit(Event{Type: EventPipelineFailed, Data: map[string]any{"error": err.Error()}})
		return res, err
	}
}

// resolveRetry returns the node's retry options, falling back to the
// pipeline default and filling zero fields from the standard defaults.
func resolveRetry(n *graph.Node, cfg graph.PipelineConfig) graph.RetryOptions {
	opts := cfg.DefaultRetry
	if n.Retry() != nil {
		opts = *n.Retry()
	}
	std := graph.DefaultRetryOptions()
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = std.BaseDelay
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = std.MaxBackoff
	}
	if opts.MaxMaterializedItems <= 0 {
		opts.MaxMaterializedItems = std.MaxMaterializedItems
	}
	return opts
}
