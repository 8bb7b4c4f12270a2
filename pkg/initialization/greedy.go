// Package initialization seeds spatial and temporal components from a movie
// with no prior footprints.
//
// Candidate neurons are found greedily: the pixel with the largest energy in
// the Gaussian-blurred residual movie is taken as a center, a rank-1
// non-negative factorization of the surrounding patch gives one footprint and
// trace, and that contribution is removed from the residual before the next
// pick. The background is a low-rank non-negative factorization of what is
// left.
package initialization

import (
	"fmt"
	"image"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/trose-neuro/CaImAn/internal/models"
	"github.com/trose-neuro/CaImAn/pkg/config"
	"github.com/trose-neuro/CaImAn/pkg/matrix"
	"github.com/trose-neuro/CaImAn/pkg/noise"
)

// Options controls the initializer.
type Options struct {
	Height, Width int

	// Components is the maximum number of neurons to seed
	Components int

	// GSig is the Gaussian blur sigma and GSiz the patch size, both as
	// (rows, columns)
	GSig [2]float64
	GSiz [2]int

	// NIter is the number of rank-1 refinement iterations per candidate
	NIter int

	// MaxIter is the number of HALS passes over all components; zero skips HALS
	MaxIter int

	// Background is the rank of the background factorization
	Background int

	// MinPixels is the smallest patch accepted as a candidate
	MinPixels int

	// AR model estimated for each seeded trace
	P     int
	Lags  int
	Fudge float64
	Noise noise.Options
}

// OptionsFromConfig collects the initializer settings of a configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Height:     cfg.Movie.Height,
		Width:      cfg.Movie.Width,
		Components: cfg.Init.Components,
		GSig:       cfg.Init.GSig,
		GSiz:       cfg.Init.GSiz,
		NIter:      cfg.Init.NIter,
		MaxIter:    cfg.Init.MaxIter,
		Background: cfg.Init.Background,
		MinPixels:  cfg.Init.MinPixels,
		P:          cfg.Temporal.P,
		Lags:       cfg.Noise.Lags,
		Fudge:      cfg.Temporal.FudgeFactor,
		Noise: noise.Options{
			Band:    cfg.Noise.Band,
			Method:  noise.Method(cfg.Noise.Method),
			Window:  cfg.Noise.Window,
			Workers: cfg.Processing.NumCores,
		},
	}
}

// Result holds the seeded components. A has unit-norm columns and C holds
// the correspondingly scaled traces.
type Result struct {
	A *matrix.Sparse
	C *mat.Dense
	B *mat.Dense
	F *mat.Dense

	// Centers are the (row, column) positions each component was seeded at
	Centers [][2]int

	Components []models.Component
}

// K returns the number of seeded neurons.
func (r *Result) K() int {
	_, k := r.A.Dims()
	return k
}

type seed struct {
	center  [2]int
	support []int
	weights []float64
	trace   []float64
}

// Initialize seeds up to opts.Components neurons and the background from the
// movie. It fails only when the movie does not match the frame size.
func Initialize(movie matrix.Movie, opts Options) (*Result, error) {
	if err := matrix.CheckShape(movie, opts.Height, opts.Width, 0); err != nil {
		return nil, fmt.Errorf("initialization: %w", err)
	}
	y := matrix.DenseOf(movie)
	d, frames := y.Dims()

	med := make([]float64, d)
	residual := mat.NewDense(d, frames, nil)
	for p := 0; p < d; p++ {
		med[p] = median(y.RawRowView(p))
		row := residual.RawRowView(p)
		copy(row, y.RawRowView(p))
		floats.AddConst(-med[p], row)
	}

	blur := newBlurrer(opts.Height, opts.Width, opts.GSig, opts.GSiz)
	blurred := mat.NewDense(d, frames, nil)
	blur.apply(blurred, residual, blur.bounds())
	score := make([]float64, d)
	updateScore(score, blurred, blur.width, blur.bounds())

	exhausted := make([]bool, d)
	var seeds []seed
	for len(seeds) < opts.Components {
		best := -1
		for p, s := range score {
			if !exhausted[p] && s > 0 && (best < 0 || s > score[best]) {
				best = p
			}
		}
		if best < 0 {
			break
		}

		row, col := best/opts.Width, best%opts.Width
		patch := image.Rect(col-opts.GSiz[1]/2, row-opts.GSiz[0]/2, col+opts.GSiz[1]/2+1, row+opts.GSiz[0]/2+1).
			Intersect(blur.bounds())
		if patch.Dx()*patch.Dy() < max(opts.MinPixels, 1) {
			exhausted[best] = true
			continue
		}

		support := pixelsIn(patch, opts.Width)
		weights, trace := rankOne(residual, support, best, opts.NIter)
		if weights == nil {
			exhausted[best] = true
			continue
		}
		for i, p := range support {
			floats.AddScaled(residual.RawRowView(p), -weights[i], trace)
		}

		halo := blur.halo()
		touched := image.Rectangle{Min: patch.Min.Sub(halo), Max: patch.Max.Add(halo)}
		blur.apply(blurred, residual, touched)
		updateScore(score, blurred, blur.width, touched.Intersect(blur.bounds()))

		seeds = append(seeds, seed{center: [2]int{row, col}, support: support, weights: weights, trace: trace})
	}

	// Background from what the neurons leave unexplained
	var b, f *mat.Dense
	if opts.Background > 0 {
		rest := mat.NewDense(d, frames, nil)
		for p := 0; p < d; p++ {
			out := rest.RawRowView(p)
			for t, v := range residual.RawRowView(p) {
				out[t] = max(v+med[p], 0)
			}
		}
		b, f = Background(rest, NMFConfig{Rank: opts.Background, MaxIter: 50, Tolerance: 1e-4})
	}

	a, c := assemble(seeds, d, frames)
	if opts.MaxIter > 0 && len(seeds) > 0 {
		masks := make([][]int, len(seeds))
		for k, s := range seeds {
			masks[k] = s.support
		}
		a, c, b, f = HALS(y, a, c, b, f, masks, opts.MaxIter)
	}

	return finish(seeds, a, c, b, f, opts), nil
}

func median(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	sorted := append([]float64(nil), v...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func updateScore(score []float64, blurred *mat.Dense, width int, rect image.Rectangle) {
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			row := blurred.RawRowView(y*width + x)
			score[y*width+x] = floats.Dot(row, row)
		}
	}
}

func pixelsIn(rect image.Rectangle, width int) []int {
	out := make([]int, 0, rect.Dx()*rect.Dy())
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			out = append(out, y*width+x)
		}
	}
	return out
}

// rankOne alternates non-negative updates of a unit-norm footprint over
// support and its trace, starting from the trace at center. It returns nil
// when either factor collapses to zero.
func rankOne(residual *mat.Dense, support []int, center, iters int) (weights, trace []float64) {
	_, frames := residual.Dims()
	trace = make([]float64, frames)
	for t, v := range residual.RawRowView(center) {
		trace[t] = max(v, 0)
	}
	if floats.Norm(trace, 2) == 0 {
		for _, p := range support {
			floats.Add(trace, residual.RawRowView(p))
		}
		for t := range trace {
			trace[t] = max(trace[t], 0)
		}
	}
	if floats.Norm(trace, 2) == 0 {
		return nil, nil
	}

	weights = make([]float64, len(support))
	for it := 0; it < max(iters, 1); it++ {
		for i, p := range support {
			weights[i] = max(floats.Dot(residual.RawRowView(p), trace), 0)
		}
		norm := floats.Norm(weights, 2)
		if norm == 0 {
			return nil, nil
		}
		floats.Scale(1/norm, weights)

		for t := range trace {
			trace[t] = 0
		}
		for i, p := range support {
			if weights[i] > 0 {
				floats.AddScaled(trace, weights[i], residual.RawRowView(p))
			}
		}
		for t := range trace {
			trace[t] = max(trace[t], 0)
		}
		if floats.Norm(trace, 2) == 0 {
			return nil, nil
		}
	}
	return weights, trace
}

// assemble lays the seeds out as dense d x K footprints and K x T traces.
func assemble(seeds []seed, d, frames int) (a, c *mat.Dense) {
	if len(seeds) == 0 {
		return nil, nil
	}
	a = mat.NewDense(d, len(seeds), nil)
	c = mat.NewDense(len(seeds), frames, nil)
	for k, s := range seeds {
		for i, p := range s.support {
			a.Set(p, k, s.weights[i])
		}
		c.SetRow(k, s.trace)
	}
	return a, c
}

// finish normalizes the footprints, drops the ones that vanished and
// estimates each trace's noise and AR model.
func finish(seeds []seed, a, c, b, f *mat.Dense, opts Options) *Result {
	d := opts.Height * opts.Width
	res := &Result{B: b, F: f, A: matrix.NewSparse(d, nil)}
	if len(seeds) == 0 {
		return res
	}

	// HALS keeps each footprint inside its seed patch
	unit, norms := matrix.Normalize(matrix.NewDense(a).ProjectNonNeg())
	var keep []int
	var rows [][]float64
	for k, s := range seeds {
		trace := mat.Row(nil, k, c)
		if norms[k] == 0 || floats.Norm(trace, 2) == 0 {
			continue
		}
		floats.Scale(norms[k], trace)
		keep = append(keep, k)
		rows = append(rows, trace)
		res.Centers = append(res.Centers, s.center)
	}

	res.A = unit.Columns(keep)
	if len(rows) > 0 {
		res.C = mat.NewDense(len(rows), len(rows[0]), nil)
	}
	for k, trace := range rows {
		res.C.SetRow(k, trace)
		sn := noise.TraceNoise(trace, opts.Noise)
		res.Components = append(res.Components, models.Component{
			Noise:   sn,
			AR:      noise.FitAR(trace, opts.P, opts.Lags, sn, opts.Fudge),
			Status:  models.StatusOK,
			Origins: []int{k},
		})
	}
	return res
}
