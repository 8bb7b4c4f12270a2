// Package spatial updates the spatial footprints of a factorization with the
// traces held fixed.
//
// Every pixel is an independent regression of its time series on the traces
// of the components whose allowed neighborhood contains it, plus the
// background traces. Neuron weights are non-negative and as sparse as the
// pixel's noise level allows; background weights are unconstrained.
package spatial

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/trose-neuro/CaImAn/internal/models"
	"github.com/trose-neuro/CaImAn/pkg/config"
	"github.com/trose-neuro/CaImAn/pkg/matrix"
	"github.com/trose-neuro/CaImAn/pkg/schedule"
)

// Options controls the spatial update.
type Options struct {
	Shape ShapeOptions

	// Workers bounds the goroutines; PixelsPerWorker is the chunk size
	Workers         int
	PixelsPerWorker int
}

// OptionsFromConfig collects the spatial settings of a configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Shape: ShapeOptions{
			Method:  cfg.Spatial.Method,
			Dist:    cfg.Spatial.Dist,
			MinSize: cfg.Spatial.MinSize,
			MaxSize: cfg.Spatial.MaxSize,
			Height:  cfg.Movie.Height,
			Width:   cfg.Movie.Width,
		},
		Workers:         cfg.Processing.NumCores,
		PixelsPerWorker: cfg.Spatial.PixelsPerWorker,
	}
}

// Result is a spatial update. C is the input trace matrix with each row
// rescaled by the norm its footprint had before normalization.
type Result struct {
	A *matrix.Sparse
	C *mat.Dense
	B *mat.Dense

	// Status holds one entry per component: Degenerate when the footprint
	// vanished, NonConverged when one of its pixels had to fall back to zero
	Status []models.Status

	// FailedPixels counts pixels whose regression produced non-finite values
	FailedPixels int
}

type pixelFit struct {
	comps   []int
	weights []float64
	bg      []float64
	failed  bool
}

// Update solves for new footprints given traces c (K x T), background traces
// f (nb x T, may be nil) and per-pixel noise sn. The allowed neighborhoods are
// derived from the current footprints a. Inputs are not modified.
func Update(movie matrix.Movie, a matrix.Matrix, c, f *mat.Dense, sn []float64, opts Options) (*Result, error) {
	d, frames := movie.Dims()
	if err := matrix.CheckShape(movie, opts.Shape.Height, opts.Shape.Width, 0); err != nil {
		return nil, fmt.Errorf("spatial update: %w", err)
	}
	ad, k := a.Dims()
	if ad != d {
		return nil, fmt.Errorf("spatial update: %w", &matrix.ShapeError{Op: "footprints", Want: [2]int{d, k}, Got: [2]int{ad, k}})
	}
	if k > 0 {
		if r, t := c.Dims(); r != k || t != frames {
			return nil, fmt.Errorf("spatial update: %w", &matrix.ShapeError{Op: "traces", Want: [2]int{k, frames}, Got: [2]int{r, t}})
		}
	}
	nb := 0
	if f != nil {
		var t int
		nb, t = f.Dims()
		if t != frames {
			return nil, fmt.Errorf("spatial update: %w", &matrix.ShapeError{Op: "background traces", Want: [2]int{nb, frames}, Got: [2]int{nb, t}})
		}
	}
	if len(sn) != d {
		return nil, fmt.Errorf("spatial update: %w", &matrix.ShapeError{Op: "noise", Want: [2]int{d, 1}, Got: [2]int{len(sn), 1}})
	}

	// All regressors stacked: neurons first, then background
	regs := regressors(c, f, k, nb, frames)
	var gram *mat.SymDense
	if k+nb > 0 {
		gram = mat.NewSymDense(k+nb, nil)
		gram.SymOuterK(1, regs)
	}

	idx := NewIndex(a, opts.Shape)
	fits := make([]pixelFit, d)
	chunks := schedule.Chunks(d, opts.PixelsPerWorker)
	items := make([]int, len(chunks))
	for i := range items {
		items[i] = i
	}
	pool := schedule.NewPool(opts.Workers)
	err := pool.Run(items, func(i int) error {
		row := make([]float64, frames)
		for p := chunks[i][0]; p < chunks[i][1]; p++ {
			row = movie.Row(p, row)
			fits[p] = fitPixel(row, idx.Candidates(p), k, nb, regs, gram, sn[p])
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("spatial update: %w", err)
	}

	return assemble(fits, c, k, nb, opts.Shape), nil
}

// regressors returns [c; f] as a (K+nb) x T matrix.
func regressors(c, f *mat.Dense, k, nb, frames int) *mat.Dense {
	if k+nb == 0 {
		return nil
	}
	out := mat.NewDense(k+nb, frames, nil)
	for j := 0; j < k; j++ {
		copy(out.RawRowView(j), c.RawRowView(j))
	}
	for j := 0; j < nb; j++ {
		copy(out.RawRowView(k+j), f.RawRowView(j))
	}
	return out
}

// fitPixel solves the regression of one pixel. Non-finite solutions fall
// back to all-zero weights.
func fitPixel(y []float64, comps []int, k, nb int, regs *mat.Dense, gram *mat.SymDense, sn float64) pixelFit {
	vars := make([]int, 0, len(comps)+nb)
	vars = append(vars, comps...)
	for j := 0; j < nb; j++ {
		vars = append(vars, k+j)
	}
	fit := pixelFit{comps: comps}
	if len(vars) == 0 {
		return fit
	}

	pr := &problem{n: len(comps), gram: make([][]float64, len(vars)), h: make([]float64, len(vars)), yy: floats.Dot(y, y)}
	for a, va := range vars {
		pr.gram[a] = make([]float64, len(vars))
		for b, vb := range vars {
			pr.gram[a][b] = gram.At(va, vb)
		}
		pr.h[a] = floats.Dot(regs.RawRowView(va), y)
	}

	w := pr.solve(sn * sn * float64(len(y)))
	if !finite(w) || math.IsNaN(pr.yy) {
		fit.failed = true
		fit.weights = make([]float64, len(comps))
		fit.bg = make([]float64, nb)
		return fit
	}
	fit.weights = w[:len(comps)]
	fit.bg = w[len(comps):]
	return fit
}

// assemble gathers the per-pixel fits into footprints, keeps the connected
// piece around each footprint's peak, normalizes and rescales the traces.
func assemble(fits []pixelFit, c *mat.Dense, k, nb int, opts ShapeOptions) *Result {
	d := len(fits)
	res := &Result{Status: make([]models.Status, k)}
	cols := make([][]matrix.Entry, k)
	for p, fit := range fits {
		if fit.failed {
			res.FailedPixels++
			for _, j := range fit.comps {
				res.Status[j] = res.Status[j].Worse(models.StatusNonConverged)
			}
		}
		for i, j := range fit.comps {
			if v := fit.weights[i]; v > 0 {
				cols[j] = append(cols[j], matrix.Entry{Row: p, Value: v})
			}
		}
	}

	if nb > 0 {
		res.B = mat.NewDense(d, nb, nil)
		for p, fit := range fits {
			for j, v := range fit.bg {
				res.B.Set(p, j, v)
			}
		}
	}

	if k > 0 {
		res.C = mat.DenseCopyOf(c)
	}
	for j := range cols {
		cols[j] = connectedAroundPeak(cols[j], opts.Height, opts.Width)
	}
	var norms []float64
	res.A, norms = matrix.Normalize(matrix.NewSparse(d, cols))
	for j, norm := range norms {
		if norm == 0 {
			res.Status[j] = res.Status[j].Worse(models.StatusDegenerate)
			continue
		}
		floats.Scale(norm, res.C.RawRowView(j))
	}
	return res
}

// connectedAroundPeak keeps the 8-connected part of col containing its
// largest entry.
func connectedAroundPeak(col []matrix.Entry, height, width int) []matrix.Entry {
	if len(col) == 0 {
		return nil
	}
	value := make(map[int]float64, len(col))
	peak := col[0]
	for _, e := range col {
		value[e.Row] = e.Value
		if e.Value > peak.Value {
			peak = e
		}
	}

	keep := map[int]bool{peak.Row: true}
	queue := []int{peak.Row}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		r, cc := p/width, p%width
		for dr := -1; dr <= 1; dr++ {
			for dc := -1; dc <= 1; dc++ {
				rr, c2 := r+dr, cc+dc
				if rr < 0 || rr >= height || c2 < 0 || c2 >= width {
					continue
				}
				q := rr*width + c2
				if _, ok := value[q]; ok && !keep[q] {
					keep[q] = true
					queue = append(queue, q)
				}
			}
		}
	}

	out := make([]matrix.Entry, 0, len(keep))
	for _, e := range col {
		if keep[e.Row] {
			out = append(out, e)
		}
	}
	return out
}
