// ABOUTME: Per-node and pipeline-level execution metrics plus the lineage topology report.
// ABOUTME: Counters are monotonically increasing within a run; snapshots are taken at completion.
package engine

import (
	"sync/atomic"
	"time"

	"github.com/2389-research/npipeline/graph"
)

// nodeCounters accumulates per-node counters during execution. Atomic so the
// parallel strategy's workers can share one set.
type nodeCounters struct {
	processed    atomic.Int64
	emitted      atomic.Int64
	retries      atomic.Int64
	deadLettered atomic.Int64
	filtered     atomic.Int64
	lateDropped  atomic.Int64
	restarts     atomic.Int64
}

// NodeMetrics is the final snapshot of one node's execution.
type NodeMetrics struct {
	NodeID         string
	Kind           string
	ItemsProcessed int64
	ItemsEmitted   int64
	RetryCount     int64
	DeadLettered   int64
	FilteredOut    int64
	LateDropped    int64
	Restarts       int64
	Duration       time.Duration
	ThroughputSec  float64
	Success        bool
}

// snapshot freezes the counters into a NodeMetrics.
func (c *nodeCounters) snapshot(nodeID string, kind graph.Kind, dur time.Duration, success bool) NodeMetrics {
	m := NodeMetrics{
		NodeID:         nodeID,
		Kind:           kind.String(),
		ItemsProcessed: c.processed.Load(),
		ItemsEmitted:   c.emitted.Load(),
		RetryCount:     c.retries.Load(),
		DeadLettered:   c.deadLettered.Load(),
		FilteredOut:    c.filtered.Load(),
		LateDropped:    c.lateDropped.Load(),
		Restarts:       c.restarts.Load(),
		Duration:       dur,
		Success:        success,
	}
	if dur > 0 {
		m.ThroughputSec = float64(m.ItemsProcessed) / dur.Seconds()
	}
	return m
}

// PipelineMetrics is the end-of-run metrics summary.
type PipelineMetrics struct {
	RunID string
	// TotalItemsProcessed is the number of items produced by sources.
	TotalItemsProcessed int64
	// TotalDeadLettered sums dead letters across nodes.
	TotalDeadLettered int64
	Duration          time.Duration
	PerNode           map[string]NodeMetrics
}

// LineageNode is one node in the static topology snapshot.
type LineageNode struct {
	ID         string
	Kind       string
	InputTypes []string
	OutputType string
}

// LineageEdge is one edge in the static topology snapshot.
type LineageEdge struct {
	From     string
	To       string
	ElemType string
}

// LineageReport is the static topology snapshot emitted with each run.
type LineageReport struct {
	RunID string
	Nodes []LineageNode
	Edges []LineageEdge
}

// buildLineageReport snapshots the frozen definition's topology.
func buildLineageReport(runID string, def *graph.Definition) *LineageReport {
	report := &LineageReport{RunID: runID}
	for _, n := range def.Nodes() {
		ln := LineageNode{ID: n.ID(), Kind: n.Kind().String()}
		for _, t := range n.InputTypes() {
			ln.InputTypes = append(ln.InputTypes, t.String())
		}
		if t := n.OutputType(); t != nil {
			ln.OutputType = t.String()
		}
		report.Nodes = append(report.Nodes, ln)
	}
	for _, e := range def.Edges() {
		le := LineageEdge{From: e.From, To: e.To}
		if e.ElemType != nil {
			le.ElemType = e.ElemType.String()
		}
		report.Edges = append(report.Edges, le)
	}
	return report
}
