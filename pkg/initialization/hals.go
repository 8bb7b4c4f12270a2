package initialization

import (
	"gonum.org/v1/gonum/mat"
)

// HALS refines y ~ a c + b f by hierarchical alternating least squares. Every
// factor stays non-negative and neuron k keeps weight only on the pixels of
// masks[k]; background columns may use every pixel. b and f may be nil.
func HALS(y, a, c, b, f *mat.Dense, masks [][]int, iters int) (aOut, cOut, bOut, fOut *mat.Dense) {
	d, frames := y.Dims()
	_, k := a.Dims()
	nb := 0
	if b != nil {
		_, nb = b.Dims()
	}
	n := k + nb

	// Work on the stacked factors [a b] and [c; f]
	sp := mat.NewDense(d, n, nil)
	tm := mat.NewDense(n, frames, nil)
	sp.Slice(0, d, 0, k).(*mat.Dense).Copy(a)
	tm.Slice(0, k, 0, frames).(*mat.Dense).Copy(c)
	if nb > 0 {
		sp.Slice(0, d, k, n).(*mat.Dense).Copy(b)
		tm.Slice(k, n, 0, frames).(*mat.Dense).Copy(f)
	}

	allowed := make([]map[int]bool, k)
	for j, m := range masks {
		allowed[j] = make(map[int]bool, len(m))
		for _, p := range m {
			allowed[j][p] = true
		}
	}

	var u, v mat.Dense
	for it := 0; it < iters; it++ {
		// Temporal sweep
		u.Mul(sp.T(), y)
		v.Mul(sp.T(), sp)
		for j := 0; j < n; j++ {
			vjj := v.At(j, j)
			if vjj <= 0 {
				continue
			}
			row := tm.RawRowView(j)
			for t := range row {
				var vc float64
				for i := 0; i < n; i++ {
					vc += v.At(j, i) * tm.At(i, t)
				}
				row[t] = max(row[t]+(u.At(j, t)-vc)/vjj, 0)
			}
		}
		u.Reset()
		v.Reset()

		// Spatial sweep
		u.Mul(y, tm.T())
		v.Mul(tm, tm.T())
		for j := 0; j < n; j++ {
			vjj := v.At(j, j)
			if vjj <= 0 {
				continue
			}
			for p := 0; p < d; p++ {
				if j < k && !allowed[j][p] {
					sp.Set(p, j, 0)
					continue
				}
				var av float64
				for i := 0; i < n; i++ {
					av += sp.At(p, i) * v.At(i, j)
				}
				sp.Set(p, j, max(sp.At(p, j)+(u.At(p, j)-av)/vjj, 0))
			}
		}
		u.Reset()
		v.Reset()
	}

	aOut = mat.DenseCopyOf(sp.Slice(0, d, 0, k))
	cOut = mat.DenseCopyOf(tm.Slice(0, k, 0, frames))
	if nb > 0 {
		bOut = mat.DenseCopyOf(sp.Slice(0, d, k, n))
		fOut = mat.DenseCopyOf(tm.Slice(k, n, 0, frames))
	}
	return aOut, cOut, bOut, fOut
}
