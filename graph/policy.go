// ABOUTME: Two-tier error policy: per-item node decisions and per-node pipeline decisions.
// ABOUTME: Also defines the dead-letter record and sink contract.
package graph

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ItemDecision is a node error handler's verdict for one failed item.
type ItemDecision int

const (
	// DecisionRetry re-enters the retry loop (subject to the item budget).
	DecisionRetry ItemDecision = iota
	// DecisionSkip drops the item and continues.
	DecisionSkip
	// DecisionDeadLetter routes the item to the dead-letter sink and continues.
	DecisionDeadLetter
	// DecisionStopNode stops this node; the pipeline error handler decides
	// what happens next.
	DecisionStopNode
	// DecisionFailPipeline fails the whole run.
	DecisionFailPipeline
)

func (d ItemDecision) String() string {
	switch d {
	case DecisionRetry:
		return "retry"
	case DecisionSkip:
		return "skip"
	case DecisionDeadLetter:
		return "dead_letter"
	case DecisionStopNode:
		return "stop_node"
	case DecisionFailPipeline:
		return "fail_pipeline"
	default:
		return fmt.Sprintf("item_decision(%d)", int(d))
	}
}

// NodeErrorHandler decides what to do with an item whose processing failed
// after the retry budget was consulted.
type NodeErrorHandler func(ctx context.Context, nodeID string, item any, err error) ItemDecision

// DeadLetterAll is a node error handler that dead-letters every failed item.
func DeadLetterAll(ctx context.Context, nodeID string, item any, err error) ItemDecision {
	return DecisionDeadLetter
}

// SkipAll is a node error handler that silently skips every failed item.
func SkipAll(ctx context.Context, nodeID string, item any, err error) ItemDecision {
	return DecisionSkip
}

// PipelineDecision is the pipeline error handler's verdict for a failed node.
type PipelineDecision int

const (
	// PipelineContinue lets the rest of the graph keep running without the
	// failed node.
	PipelineContinue PipelineDecision = iota
	// PipelineRestartNode restarts the failed node from materialized input.
	PipelineRestartNode
	// PipelineDrainAndStop stops accepting new source items and lets
	// in-flight work complete.
	PipelineDrainAndStop
	// PipelineFail cancels every pipe and fails the run.
	PipelineFail
)

func (d PipelineDecision) String() string {
	switch d {
	case PipelineContinue:
		return "continue"
	case PipelineRestartNode:
		return "restart_node"
	case PipelineDrainAndStop:
		return "drain_and_stop"
	case PipelineFail:
		return "fail_pipeline"
	default:
		return fmt.Sprintf("pipeline_decision(%d)", int(d))
	}
}

// PipelineErrorHandler decides the pipeline-level response to a fatal node
// failure.
type PipelineErrorHandler func(ctx context.Context, nodeID string, err error) PipelineDecision

// FailFast is a pipeline error handler that fails the run on the first
// unrecovered node failure.
func FailFast(ctx context.Context, nodeID string, err error) PipelineDecision {
	return PipelineFail
}

// DeadLetter is the record delivered to the dead-letter sink for one failed
// item.
type DeadLetter struct {
	ID         ulid.ULID
	Item       any
	NodeID     string
	Kind       string
	Message    string
	CauseChain []string
	Path       []string
	OccurredAt time.Time
}

// DeadLetterSink receives dead-letter records. Implementations must be safe
// for concurrent use.
type DeadLetterSink interface {
	Write(ctx context.Context, dl DeadLetter) error
}

// MemoryDeadLetterSink buffers dead letters in memory for tests and small
// runs.
type MemoryDeadLetterSink struct {
	mu      sync.Mutex
	records []DeadLetter
}

// NewMemoryDeadLetterSink creates an empty in-memory dead-letter sink.
func NewMemoryDeadLetterSink() *MemoryDeadLetterSink {
	return &MemoryDeadLetterSink{}
}

// Write appends the record.
func (s *MemoryDeadLetterSink) Write(ctx context.Context, dl DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, dl)
	return nil
}

// Records returns a copy of everything written so far.
func (s *MemoryDeadLetterSink) Records() []DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeadLetter, len(s.records))
	copy(out, s.records)
	return out
}
