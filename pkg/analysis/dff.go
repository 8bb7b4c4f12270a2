package analysis

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/trose-neuro/CaImAn/pkg/matrix"
)

// median returns the empirical median of x without modifying it.
func median(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	sorted := append([]float64(nil), x...)
	sort.Float64s(sorted)
	return stat.Quantile(0.5, stat.Empirical, sorted, nil)
}

// ExtractDFF normalizes the traces to dF/F. The reference fluorescence of
// component k is the median of its raw trace: C_k plus its share of the
// residual and of the background, both projected onto a_k. residual is
// Y - A C - b f and may be nil; b and f may be nil. Components with an empty
// footprint or a non-positive reference get an all-zero row.
//
// This is not the classic CNMF normalization C / median(A^T (Y - A C)).
// Here F0 includes the trace itself and the output is (C - median(C)) / F0,
// so a component silent most of the time starts from zero.
func ExtractDFF(a matrix.Matrix, c, b, f, residual *mat.Dense) (*mat.Dense, error) {
	d, k := a.Dims()
	if k == 0 {
		return nil, nil
	}
	_, frames := c.Dims()
	if r, _ := c.Dims(); r != k {
		return nil, fmt.Errorf("dF/F: %w", &matrix.ShapeError{Op: "traces", Want: [2]int{k, frames}, Got: [2]int{r, frames}})
	}
	if residual != nil {
		if r, t := residual.Dims(); r != d || t != frames {
			return nil, fmt.Errorf("dF/F: %w", &matrix.ShapeError{Op: "residual", Want: [2]int{d, frames}, Got: [2]int{r, t}})
		}
	}
	nb := 0
	if b != nil && f != nil {
		_, nb = b.Dims()
	}

	out := mat.NewDense(k, frames, nil)
	raw := make([]float64, frames)
	for j := 0; j < k; j++ {
		rows, vals := a.Col(j)
		aa := floats.Dot(vals, vals)
		if aa == 0 {
			continue
		}
		trace := c.RawRowView(j)
		copy(raw, trace)
		for n, p := range rows {
			w := vals[n] / aa
			if residual != nil {
				floats.AddScaled(raw, w, residual.RawRowView(p))
			}
			for i := 0; i < nb; i++ {
				if v := b.At(p, i); v != 0 {
					floats.AddScaled(raw, w*v, f.RawRowView(i))
				}
			}
		}

		f0 := median(raw)
		if f0 <= 0 {
			continue
		}
		base := median(trace)
		dst := out.RawRowView(j)
		for t, v := range trace {
			dst[t] = (v - base) / f0
		}
	}
	return out, nil
}
