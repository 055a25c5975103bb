// ABOUTME: Build-time validation: id uniqueness, edge typing, acyclicity, single-consumer, arity.
// ABOUTME: On success Build freezes the graph and returns an immutable Definition with a topo order.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ValidationError reports soft graph findings promoted to errors in strict
// mode.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("graph validation failed: %s", strings.Join(e.Issues, "; "))
}

// WiringError reports edge-level faults: type disagreement, bad ports,
// missing inputs, or double-consumed outputs.
type WiringError struct {
	Issues []string
}

func (e *WiringError) Error() string {
	return fmt.Sprintf("graph wiring failed: %s", strings.Join(e.Issues, "; "))
}

// CycleError reports that the edge set is not a DAG.
type CycleError struct {
	Nodes []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("graph contains a cycle involving: %s", strings.Join(e.Nodes, ", "))
}

// Definition is a frozen, validated pipeline graph. All metadata access is
// read-only.
type Definition struct {
	nodes map[string]*Node
	topo  []string
	edges []*Edge
	cfg   PipelineConfig
}

// Node returns the node with the given id, or nil.
func (d *Definition) Node(id string) *Node { return d.nodes[id] }

// TopoOrder returns node ids in topological order.
func (d *Definition) TopoOrder() []string {
	out := make([]string, len(d.topo))
	copy(out, d.topo)
	return out
}

// Nodes returns all nodes in topological order.
func (d *Definition) Nodes() []*Node {
	out := make([]*Node, 0, len(d.topo))
	for _, id := range d.topo {
		out = append(out, d.nodes[id])
	}
	return out
}

// Edges returns a copy of the edge list.
func (d *Definition) Edges() []*Edge {
	out := make([]*Edge, len(d.edges))
	copy(out, d.edges)
	return out
}

// InEdges returns edges terminating at the given node, ordered by input port.
func (d *Definition) InEdges(id string) []*Edge {
	var out []*Edge
	for _, e := range d.edges {
		if e.To == id {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ToPort < out[j].ToPort })
	return out
}

// OutEdges returns edges originating at the given node.
func (d *Definition) OutEdges(id string) []*Edge {
	var out []*Edge
	for _, e := range d.edges {
		if e.From == id {
			out = append(out, e)
		}
	}
	return out
}

// Config returns the pipeline-level configuration.
func (d *Definition) Config() PipelineConfig { return d.cfg }

// inputPorts returns how many input ports a node declares.
func inputPorts(n *Node) int {
	return len(n.inputTypes)
}

// Build validates the graph and freezes it into a Definition. Structural
// faults (typing, cycles, arity, double consumption) always error; soft
// findings (dangling outputs, orphan nodes) error in strict mode and log in
// warn mode.
func (b *Builder) Build() (*Definition, error) {
	var wiring []string
	var soft []string

	// Edge checks: node existence, port ranges, type agreement.
	for _, e := range b.edges {
		from, okFrom := b.nodes[e.From]
		to, okTo := b.nodes[e.To]
		if !okFrom || !okTo {
			wiring = append(wiring, fmt.Sprintf("edge %s references unknown node", e))
			continue
		}
		if from.kind == KindSink {
			wiring = append(wiring, fmt.Sprintf("edge %s: sink %q has no output", e, from.id))
			continue
		}
		if e.ToPort < 0 || e.ToPort >= inputPorts(to) {
			wiring = append(wiring, fmt.Sprintf("edge %s: node %q has no input port %d", e, to.id, e.ToPort))
			continue
		}
		if from.outputType != to.inputTypes[e.ToPort] {
			wiring = append(wiring, fmt.Sprintf("edge %s: output type %v does not match input type %v",
				e, from.outputType, to.inputTypes[e.ToPort]))
		}
	}

	// Single-consumer invariant: at most one edge per output port.
	consumers := make(map[string]int)
	for _, e := range b.edges {
		key := fmt.Sprintf("%s[%d]", e.From, e.FromPort)
		consumers[key]++
		if consumers[key] == 2 {
			wiring = append(wiring, fmt.Sprintf("output %s has more than one consumer", key))
		}
	}

	// Input arity: every input port needs exactly one incoming edge.
	for _, id := range b.order {
		n := b.nodes[id]
		for port := 0; port < inputPorts(n); port++ {
			count := 0
			for _, e := range b.edges {
				if e.To == id && e.ToPort == port {
					count++
				}
			}
			switch {
			case count == 0:
				wiring = append(wiring, fmt.Sprintf("node %q input port %d is unconnected", id, port))
			case count > 1:
				wiring = append(wiring, fmt.Sprintf("node %q input port %d has %d producers", id, port, count))
			}
		}
	}

	// Soft findings: dangling outputs and orphan nodes.
	for _, id := range b.order {
		n := b.nodes[id]
		if n.kind != KindSink && len(b.outEdgesOf(id)) == 0 {
			soft = append(soft, fmt.Sprintf("node %q output is unconsumed", id))
		}
	}

	var errs []error
	if len(b.errs) > 0 {
		errs = append(errs, b.errs...)
	}
	if len(wiring) > 0 {
		errs = append(errs, &WiringError{Issues: wiring})
	}

	// Acyclicity via Kahn's algorithm; also yields the topological order.
	topo, cycle := b.topoSort()
	if len(cycle) > 0 {
		errs = append(errs, &CycleError{Nodes: cycle})
	}

	if len(soft) > 0 {
		if b.mode == ValidateStrict {
			errs = append(errs, &ValidationError{Issues: soft})
		} else {
			for _, issue := range soft {
				b.logger.Warn("graph validation", "issue", issue)
			}
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	for _, n := range b.nodes {
		n.frozen = true
	}
	return &Definition{
		nodes: b.nodes,
		topo:  topo,
		edges: b.edges,
		cfg:   b.Config,
	}, nil
}

// outEdgesOf returns the edges leaving a node.
func (b *Builder) outEdgesOf(id string) []*Edge {
	var out []*Edge
	for _, e := range b.edges {
		if e.From == id {
			out = append(out, e)
		}
	}
	return out
}

// topoSort runs Kahn's algorithm over insertion order for deterministic
// output. The second return lists nodes stuck in a cycle, empty for a DAG.
func (b *Builder) topoSort() ([]string, []string) {
	indegree := make(map[string]int, len(b.nodes))
	for id := range b.nodes {
		indegree[id] = 0
	}
	for _, e := range b.edges {
		if _, ok := b.nodes[e.From]; !ok {
			continue
		}
		if _, ok := b.nodes[e.To]; !ok {
			continue
		}
		indegree[e.To]++
	}

	var queue []string
	for _, id := range b.order {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	var topo []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		topo = append(topo, id)
		for _, e := range b.outEdgesOf(id) {
			if _, ok := b.nodes[e.To]; !ok {
				continue
			}
			indegree[e.To]--
			if indegree[e.To] == 0 {
				queue = append(queue, e.To)
			}
		}
	}

	if len(topo) == len(b.nodes) {
		return topo, nil
	}
	var cycle []string
	for _, id := range b.order {
		if indegree[id] > 0 {
			cycle = append(cycle, id)
		}
	}
	return topo, cycle
}
