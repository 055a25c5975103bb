// ABOUTME: DOT export of a frozen pipeline definition for topology visualization.
// ABOUTME: Deterministic output: nodes sorted by id, attributes sorted by key, kind-based shapes.
package graph

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// kindShapes maps node kinds to DOT shapes.
var kindShapes = map[Kind]string{
	KindSource:    "Mdiamond",
	KindTransform: "box",
	KindJoin:      "hexagon",
	KindAggregate: "house",
	KindSink:      "Msquare",
}

// ToDOT serializes the definition's topology as a DOT digraph. Output is
// deterministic: nodes sorted by id, edges in declaration order.
func (d *Definition) ToDOT(name string) string {
	var b strings.Builder
	if needsQuoting(name) {
		name = quoteValue(name)
	}
	fmt.Fprintf(&b, "digraph %s {\n", name)
	b.WriteString("  rankdir=LR\n\n")

	ids := make([]string, 0, len(d.nodes))
	for id := range d.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		n := d.nodes[id]
		attrs := map[string]string{
			"shape": kindShapes[n.kind],
			"label": fmt.Sprintf("%s\\n%s", id, n.kind),
		}
		nodeID := id
		if needsQuoting(nodeID) {
			nodeID = quoteValue(nodeID)
		}
		fmt.Fprintf(&b, "  %s [%s]\n", nodeID, formatAttrs(attrs))
	}

	if len(d.edges) > 0 {
		b.WriteString("\n")
	}
	for _, e := range d.edges {
		from, to := e.From, e.To
		if needsQuoting(from) {
			from = quoteValue(from)
		}
		if needsQuoting(to) {
			to = quoteValue(to)
		}
		attrs := map[string]string{}
		if e.ElemType != nil {
			attrs["label"] = e.ElemType.String()
		}
		if len(attrs) > 0 {
			fmt.Fprintf(&b, "  %s -> %s [%s]\n", from, to, formatAttrs(attrs))
		} else {
			fmt.Fprintf(&b, "  %s -> %s\n", from, to)
		}
	}

	b.WriteString("}\n")
	return b.String()
}

// formatAttrs renders attributes sorted by key.
func formatAttrs(attrs map[string]string) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := attrs[k]
		if needsQuoting(v) {
			v = quoteValue(v)
		}
		parts = append(parts, fmt.Sprintf("%s=%s", k, v))
	}
	return strings.Join(parts, ", ")
}

// needsQuoting reports whether a DOT identifier must be quoted.
func needsQuoting(s string) bool {
	if s == "" {
		return true
	}
	for i, r := range s {
		if r == '_' || unicode.IsLetter(r) {
			continue
		}
		if i > 0 && unicode.IsDigit(r) {
			continue
		}
		return true
	}
	return false
}

// quoteValue wraps a value in double quotes, escaping embedded quotes.
func quoteValue(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}
