package spatial

import (
	"math"
)

// problem is one pixel's regression in Gram form. The first n unknowns are
// neuron weights (non-negative, penalized); the rest are background
// coefficients (free sign, unpenalized).
type problem struct {
	n    int
	gram [][]float64
	h    []float64
	yy   float64
}

const (
	cdMaxSweeps = 500
	cdTol       = 1e-10
	bisections  = 40
)

// rss is ||y - X w||^2 expanded through the Gram matrix.
func (pr *problem) rss(w []float64) float64 {
	r := pr.yy
	for i, wi := range w {
		if wi == 0 {
			continue
		}
		r -= 2 * wi * pr.h[i]
		for j, wj := range w {
			r += wi * pr.gram[i][j] * wj
		}
	}
	return math.Max(r, 0)
}

// descend runs cyclic coordinate descent on
// 1/2||y - X w||^2 + lambda*sum(w[:n]) starting from w, which is updated in
// place. With frozen set the neuron weights stay at zero.
func (pr *problem) descend(w []float64, lambda float64, frozen bool) {
	m := len(w)
	gw := make([]float64, m)
	for i := range gw {
		for j, wj := range w {
			gw[i] += pr.gram[i][j] * wj
		}
	}
	for sweep := 0; sweep < cdMaxSweeps; sweep++ {
		var change, scale float64
		for i := 0; i < m; i++ {
			gii := pr.gram[i][i]
			if gii <= 0 {
				continue
			}
			var next float64
			switch {
			case i < pr.n && frozen:
				next = 0
			case i < pr.n:
				next = math.Max(0, w[i]-(gw[i]-pr.h[i]+lambda)/gii)
			default:
				next = w[i] - (gw[i]-pr.h[i])/gii
			}
			if delta := next - w[i]; delta != 0 {
				for j := range gw {
					gw[j] += pr.gram[j][i] * delta
				}
				change = math.Max(change, math.Abs(delta))
				w[i] = next
			}
			scale = math.Max(scale, math.Abs(next))
		}
		if change <= cdTol*(scale+1) {
			return
		}
	}
}

// solve returns the sparsest non-negative neuron weights whose fit stays
// within bound, searching the L1 penalty by bisection. When even the
// unpenalized fit misses the bound it is returned as is.
func (pr *problem) solve(bound float64) []float64 {
	m := len(pr.h)
	slack := 1e-10 * (pr.yy + 1)

	// Background only
	w := make([]float64, m)
	pr.descend(w, 0, true)
	if pr.rss(w) <= bound+slack || pr.n == 0 {
		return w
	}
	bg := append([]float64(nil), w...)

	free := append([]float64(nil), bg...)
	pr.descend(free, 0, false)
	if pr.rss(free) > bound+slack {
		return free
	}

	// Above lambdaMax the background-only fit is optimal
	var hi float64
	for i := 0; i < pr.n; i++ {
		var g float64
		for j, wj := range bg {
			g += pr.gram[i][j] * wj
		}
		hi = math.Max(hi, pr.h[i]-g)
	}
	lo := 0.0
	best := free
	for it := 0; it < bisections && hi-lo > 1e-12*(hi+1); it++ {
		mid := 0.5 * (lo + hi)
		trial := append([]float64(nil), best...)
		pr.descend(trial, mid, false)
		if pr.rss(trial) <= bound+slack {
			lo, best = mid, trial
		} else {
			hi = mid
		}
	}
	return best
}

func finite(w []float64) bool {
	for _, v := range w {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
