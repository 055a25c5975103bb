// ABOUTME: Lineage mapper contract for non-1:1 transforms: explicit output-to-input mappings.
// ABOUTME: Seeds fan-out/fan-in lineage and applies the configured overflow policy on mapping caps.
package lineage

import (
	"fmt"
)

// Mapping relates one output item of a hop to the input indices that
// contributed to it.
type Mapping struct {
	OutputIndex  int
	InputIndices []int
}

// Mapper supplies explicit lineage mappings for transforms whose cardinality
// is not one-to-one. Called once per invocation with the inputs consumed and
// the outputs produced.
type Mapper func(inputs []any, outputs []any) []Mapping

// OverflowPolicy selects behavior when a cap is exceeded.
type OverflowPolicy int

const (
	// Strict fails the pipeline on overflow.
	Strict OverflowPolicy = iota
	// WarnContinue records truncation, emits a warning, and continues.
	WarnContinue
)

func (p OverflowPolicy) String() string {
	switch p {
	case Strict:
		return "strict"
	case WarnContinue:
		return "warn_continue"
	default:
		return fmt.Sprintf("overflow_policy(%d)", int(p))
	}
}

// ApplyMappings validates mapper output against the actual input and output
// counts and caps each mapping's contributor list at maxContributors
// (0 = unlimited). Under Strict a violation is returned as an error; under
// WarnContinue the mapping is truncated and truncated=true is reported.
func ApplyMappings(mappings []Mapping, inputs, outputs int, maxContributors int, policy OverflowPolicy) ([]Mapping, bool, error) {
	var truncated bool
	out := make([]Mapping, 0, len(mappings))
	for _, m := range mappings {
		if m.OutputIndex < 0 || m.OutputIndex >= outputs {
			if policy == Strict {
				return nil, false, fmt.Errorf("lineage mapping references output %d of %d", m.OutputIndex, outputs)
			}
			truncated = true
			continue
		}
		kept := make([]int, 0, len(m.InputIndices))
		for _, idx := range m.InputIndices {
			if idx < 0 || idx >= inputs {
				if policy == Strict {
					return nil, false, fmt.Errorf("lineage mapping references input %d of %d", idx, inputs)
				}
				truncated = true
				continue
			}
			kept = append(kept, idx)
		}
		if maxContributors > 0 && len(kept) > maxContributors {
			if policy == Strict {
				return nil, false, fmt.Errorf("lineage mapping for output %d has %d contributors, cap is %d", m.OutputIndex, len(kept), maxContributors)
			}
			kept = kept[:maxContributors]
			truncated = true
		}
		out = append(out, Mapping{OutputIndex: m.OutputIndex, InputIndices: kept})
	}
	return out, truncated, nil
}
