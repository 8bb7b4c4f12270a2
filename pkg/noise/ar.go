package noise

import (
	"math"
	"math/cmplx"
	"sort"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Autocovariance returns the biased autocovariance of y for lags
// 0..maxLag. It is computed from the power spectrum of the zero-padded,
// mean-removed trace.
func Autocovariance(y []float64, maxLag int) []float64 {
	n := len(y)
	out := make([]float64, maxLag+1)
	if n == 0 {
		return out
	}

	size := 1
	for size < 2*n-1 {
		size <<= 1
	}
	mean := floats.Sum(y) / float64(n)
	padded := make([]float64, size)
	for i, v := range y {
		padded[i] = v - mean
	}

	fft := fourier.NewFFT(size)
	coeffs := fft.Coefficients(nil, padded)
	for k, c := range coeffs {
		coeffs[k] = complex(real(c*cmplx.Conj(c)), 0)
	}
	// Sequence is unnormalized, hence the extra 1/size
	acov := fft.Sequence(nil, coeffs)
	for lag := range out {
		if lag < n {
			out[lag] = acov[lag] / float64(size) / float64(n)
		}
	}
	return out
}

// FitAR estimates order-p autoregressive coefficients of a calcium trace from
// its autocovariance over p+lags lags, correcting the zero-lag term for the
// measurement noise sn. Roots of the characteristic polynomial are kept real,
// roots above one are pulled to 0.95, negative roots to 0.15, and all roots
// are scaled by fudge before the coefficients are re-expanded.
//
// Traces without variance yield all-zero coefficients.
func FitAR(y []float64, p, lags int, sn, fudge float64) []float64 {
	if p <= 0 {
		return nil
	}
	g := make([]float64, p)
	total := lags + p
	xc := Autocovariance(y, total)
	if xc[0] <= 0 || math.IsNaN(xc[0]) {
		return g
	}

	// Yule-Walker style system: row i regresses xc[i+1] on xc[i], xc[i-1], ...
	a := mat.NewDense(total, p, nil)
	b := mat.NewVecDense(total, nil)
	for i := 0; i < total; i++ {
		for j := 0; j < p; j++ {
			v := xc[absInt(i-j)]
			if i == j {
				v -= sn * sn
			}
			a.Set(i, j, v)
		}
		if i+1 < len(xc) {
			b.SetVec(i, xc[i+1])
		}
	}

	var x mat.VecDense
	if err := x.SolveVec(a, b); err != nil {
		return g
	}

	roots := CharacteristicRoots(x.RawVector().Data)
	for i, r := range roots {
		switch {
		case r > 1:
			roots[i] = 0.95
		case r < 0:
			roots[i] = 0.15
		}
		roots[i] *= fudge
	}
	return FromRoots(roots)
}

// CharacteristicRoots returns the real parts of the roots of
// z^p - g1 z^(p-1) - ... - gp, sorted in decreasing order. The roots are the
// eigenvalues of the companion matrix.
func CharacteristicRoots(g []float64) []float64 {
	p := len(g)
	if p == 0 {
		return nil
	}
	if p == 1 {
		return []float64{g[0]}
	}
	companion := mat.NewDense(p, p, nil)
	for j := 0; j < p; j++ {
		companion.Set(0, j, g[j])
	}
	for i := 1; i < p; i++ {
		companion.Set(i, i-1, 1)
	}

	var eig mat.Eigen
	out := make([]float64, p)
	if !eig.Factorize(companion, mat.EigenNone) {
		return out
	}
	for i, v := range eig.Values(nil) {
		out[i] = real(v)
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(out)))
	return out
}

// FromRoots expands prod (z - r_i) and returns the AR coefficients g such
// that the polynomial equals z^p - g1 z^(p-1) - ... - gp.
func FromRoots(roots []float64) []float64 {
	poly := []float64{1}
	for _, r := range roots {
		next := make([]float64, len(poly)+1)
		for i, c := range poly {
			next[i] += c
			next[i+1] -= r * c
		}
		poly = next
	}
	g := make([]float64, len(roots))
	for i := range g {
		g[i] = -poly[i+1]
	}
	return g
}

func absInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
