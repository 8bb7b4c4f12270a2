package pipeline

import (
	"gonum.org/v1/gonum/mat"

	"github.com/trose-neuro/CaImAn/internal/models"
	"github.com/trose-neuro/CaImAn/pkg/matrix"
)

// State is one snapshot of the factorization Y ~ A C + b f. Passes never
// modify the State they receive; they return a new one.
type State struct {
	// A holds the unit-norm footprints (d x K)
	A *matrix.Sparse

	// C holds the traces and S the event estimates (K x T); nil when K = 0
	C *mat.Dense
	S *mat.Dense

	// B and F are the background footprints (d x nb) and traces (nb x T)
	B *mat.Dense
	F *mat.Dense

	Components []models.Component

	// Noise is the per-pixel noise level
	Noise []float64

	// Residual is Y - A C - b f after the last temporal pass, nil before
	Residual *mat.Dense

	// Merges lists the merge records of every pass, in order
	Merges []models.MergeRecord
}

// K returns the number of neurons.
func (s *State) K() int {
	if s.A == nil {
		return 0
	}
	_, k := s.A.Dims()
	return k
}

// Clone returns a deep copy of the dense per-component data. A, the noise
// levels and the residual are shared since no pass writes to them.
func (s *State) Clone() *State {
	out := &State{
		A:        s.A,
		Noise:    s.Noise,
		Residual: s.Residual,
	}
	out.C = copyOf(s.C)
	out.S = copyOf(s.S)
	out.B = copyOf(s.B)
	out.F = copyOf(s.F)
	out.Components = make([]models.Component, len(s.Components))
	for j, c := range s.Components {
		out.Components[j] = c.Clone()
	}
	out.Merges = append([]models.MergeRecord(nil), s.Merges...)
	return out
}

func copyOf(m *mat.Dense) *mat.Dense {
	if m == nil {
		return nil
	}
	return mat.DenseCopyOf(m)
}

// Cleanup returns a State without the degenerate components, and the indices
// of the removed ones in the numbering of s.
func (s *State) Cleanup() (*State, []int) {
	var removed, keep []int
	drop := make(map[int]bool)
	for j, c := range s.Components {
		if c.Status == models.StatusDegenerate {
			removed = append(removed, j)
			drop[j] = true
			continue
		}
		keep = append(keep, j)
	}
	if len(removed) == 0 {
		return s, nil
	}

	out := s.Clone()
	out.A = s.A.Columns(keep)
	out.C = matrix.DropRows(s.C, drop)
	out.S = matrix.DropRows(s.S, drop)
	out.Components = out.Components[:0]
	for _, j := range keep {
		out.Components = append(out.Components, s.Components[j].Clone())
	}
	return out, removed
}

// Statuses counts the components per status.
func (s *State) Statuses() map[models.Status]int {
	out := make(map[models.Status]int)
	for _, c := range s.Components {
		out[c.Status]++
	}
	return out
}
