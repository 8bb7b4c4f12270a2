package pipeline

import (
	"math"

	"github.com/trose-neuro/CaImAn/internal/models"
	"github.com/trose-neuro/CaImAn/pkg/matrix"
)

// Metrics summarizes how well a factorization explains the movie.
type Metrics struct {
	// RMSE is the root mean square of the residual Y - A C - b f. Lower
	// values indicate a closer fit.
	RMSE float64

	// ExplainedVariance is 1 - var(residual) / var(Y), in [0, 1] for any
	// sensible fit.
	ExplainedVariance float64

	// MI is the Gaussian approximation of the mutual information between the
	// movie and its reconstruction, in nats.
	MI float64

	// Components counts the neurons; NonConverged counts those whose last
	// solve used a fallback value
	Components   int
	NonConverged int

	// Merged is the total number of merge operations over all passes
	Merged int
}

// computeMetrics streams the movie once against the residual of st.
func computeMetrics(movie matrix.Movie, st *State) Metrics {
	m := Metrics{Components: st.K()}
	for _, c := range st.Components {
		if c.Status == models.StatusNonConverged {
			m.NonConverged++
		}
	}
	for _, rec := range st.Merges {
		m.Merged += rec.Len()
	}
	if st.Residual == nil {
		return m
	}

	// Running sums over all entries of Y and of the reconstruction Y - R
	var n, sy, sr, syy, srr, syr, sres float64
	d, _ := movie.Dims()
	var row []float64
	for p := 0; p < d; p++ {
		row = movie.Row(p, row)
		res := st.Residual.RawRowView(p)
		for t, y := range row {
			r := y - res[t]
			n++
			sy += y
			sr += r
			syy += y * y
			srr += r * r
			syr += y * r
			sres += res[t] * res[t]
		}
	}
	if n == 0 {
		return m
	}
	m.RMSE = math.Sqrt(sres / n)

	varY := syy/n - (sy/n)*(sy/n)
	varR := srr/n - (sr/n)*(sr/n)
	cov := syr/n - (sy/n)*(sr/n)
	if varY > 0 {
		// Variance of the residual Y - R
		varRes := varY + varR - 2*cov
		m.ExplainedVariance = 1 - varRes/varY
	}
	if varY > 0 && varR > 0 {
		if det := varY*varR - cov*cov; det > 0 {
			m.MI = 0.5 * math.Log(varY*varR/det)
		}
	}
	return m
}
