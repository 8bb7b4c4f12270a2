package models

import "fmt"

// Status is the component-level outcome of the most recent pass that touched
// a component. Numerical failures never abort the pipeline; they are recorded
// here instead.
type Status int

const (
	// StatusOK means the last solve met its tolerance.
	StatusOK Status = iota

	// StatusNonConverged means a solver missed its tolerance or noise bound and
	// a fallback value (unconstrained-penalty fit, zero footprint, flat trace)
	// was stored.
	StatusNonConverged

	// StatusDegenerate means the footprint or trace collapsed to all zeros.
	// Degenerate components are removed at the next cleanup.
	StatusDegenerate
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNonConverged:
		return "non-converged"
	case StatusDegenerate:
		return "degenerate"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Worse returns the more severe of two statuses.
func (s Status) Worse(o Status) Status {
	if o > s {
		return o
	}
	return s
}

// Component holds the per-neuron metadata that travels with a column of A
// and a row of C.
type Component struct {
	// Baseline is the constant fluorescence offset bl of the trace
	Baseline float64

	// Initial is the initial-condition amplitude c1 of the decaying transient
	// at the start of the recording
	Initial float64

	// Noise is the trace-level noise standard deviation
	Noise float64

	// AR holds the autoregressive coefficients g (order p)
	AR []float64

	// Status is the outcome of the last pass
	Status Status

	// Origins lists the initial component indices this component subsumes.
	// A component that was never merged has a single origin.
	Origins []int
}

// Clone returns a deep copy.
func (c Component) Clone() Component {
	out := c
	out.AR = append([]float64(nil), c.AR...)
	out.Origins = append([]int(nil), c.Origins...)
	return out
}

// MergeRecord lists the groups of component indices (in the numbering of the
// state before the merge) that were replaced by one new component each. The
// replacement for Groups[i] is appended at index Replaced[i] of the new state.
type MergeRecord struct {
	Groups   [][]int
	Replaced []int
}

// Len returns the number of merge operations performed.
func (m MergeRecord) Len() int { return len(m.Groups) }
