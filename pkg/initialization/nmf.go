package initialization

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// NMFConfig determines the behaviour of a background factorization.
type NMFConfig struct {
	// Rank is the number of background components
	Rank int

	// MaxIter is the number of multiplicative update rounds
	MaxIter int

	// Tolerance stops the updates once the relative change of the fit
	// error falls below it
	Tolerance float64
}

const nmfEps = 1e-12

// Background factorizes the non-negative matrix v (pixels x frames) as
// b f with b pixels x rank and f rank x frames, using Lee-Seung
// multiplicative updates. Frames are split into rank contiguous blocks and
// each factor starts from the mean image of its block.
func Background(v *mat.Dense, c NMFConfig) (b, f *mat.Dense) {
	d, frames := v.Dims()
	rank := c.Rank
	if rank <= 0 || d == 0 || frames == 0 {
		return nil, nil
	}
	rank = min(rank, frames)

	b = mat.NewDense(d, rank, nil)
	f = mat.NewDense(rank, frames, nil)
	for j := 0; j < rank; j++ {
		lo, hi := j*frames/rank, (j+1)*frames/rank
		for p := 0; p < d; p++ {
			b.Set(p, j, floats.Sum(v.RawRowView(p)[lo:hi])/float64(hi-lo)+nmfEps)
		}
		for t := 0; t < frames; t++ {
			if t >= lo && t < hi {
				f.Set(j, t, 1)
			} else {
				f.Set(j, t, 0.1)
			}
		}
	}

	var (
		num, den, gram mat.Dense
		recon          mat.Dense
	)
	prev := math.Inf(1)
	for it := 0; it < c.MaxIter; it++ {
		// f <- f .* (b^T v) ./ (b^T b f)
		num.Mul(b.T(), v)
		gram.Mul(b.T(), b)
		den.Mul(&gram, f)
		f.Apply(func(i, j int, x float64) float64 {
			return x * num.At(i, j) / (den.At(i, j) + nmfEps)
		}, f)

		// b <- b .* (v f^T) ./ (b f f^T)
		num.Reset()
		den.Reset()
		gram.Reset()
		num.Mul(v, f.T())
		gram.Mul(f, f.T())
		den.Mul(b, &gram)
		b.Apply(func(i, j int, x float64) float64 {
			return x * num.At(i, j) / (den.At(i, j) + nmfEps)
		}, b)
		num.Reset()
		den.Reset()
		gram.Reset()

		if c.Tolerance > 0 {
			recon.Mul(b, f)
			recon.Sub(v, &recon)
			fit := floats.Norm(recon.RawMatrix().Data, 2)
			recon.Reset()
			if !math.IsInf(prev, 1) && prev-fit <= c.Tolerance*prev {
				break
			}
			prev = fit
		}
	}
	return b, f
}
