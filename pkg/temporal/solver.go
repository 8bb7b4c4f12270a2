// Package temporal updates the traces of a factorization with the footprints
// held fixed.
//
// The movie is projected once onto the augmented footprints [A b]. Each sweep
// then walks the conflict-free batches of the scheduler and deconvolves every
// component of a batch against its share of the projected residual.
package temporal

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/trose-neuro/CaImAn/internal/models"
	"github.com/trose-neuro/CaImAn/pkg/config"
	"github.com/trose-neuro/CaImAn/pkg/deconv"
	"github.com/trose-neuro/CaImAn/pkg/matrix"
	"github.com/trose-neuro/CaImAn/pkg/noise"
	"github.com/trose-neuro/CaImAn/pkg/schedule"
)

// Options controls the temporal update.
type Options struct {
	// Iterations is the number of block-coordinate sweeps
	Iterations int

	Deconv deconv.Options

	// Seed seeds the update order; sweep i uses Seed+i
	Seed uint32

	Workers int

	// Tol stops the sweeps once the relative change of C falls below it
	Tol float64
}

// DefaultOptions returns the settings of DefaultConfig.
func DefaultOptions() Options {
	return Options{
		Iterations: 2,
		Deconv:     deconv.DefaultOptions(),
		Seed:       1,
		Tol:        1e-3,
	}
}

// OptionsFromConfig collects the temporal settings of a configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := DefaultOptions()
	opts.Iterations = cfg.Temporal.Iterations
	opts.Seed = cfg.Temporal.Seed
	opts.Workers = cfg.Processing.NumCores
	opts.Deconv.P = cfg.Temporal.P
	opts.Deconv.Lags = cfg.Noise.Lags
	opts.Deconv.Fudge = cfg.Temporal.FudgeFactor
	opts.Deconv.BaselineNonNeg = cfg.Temporal.BaselineNonNeg
	opts.Deconv.Noise = noise.Options{
		Band:   cfg.Noise.Band,
		Method: noise.Method(cfg.Noise.Method),
		Window: cfg.Noise.Window,
	}
	return opts
}

// Result is a temporal update.
type Result struct {
	C *mat.Dense
	S *mat.Dense
	F *mat.Dense

	// Components carries the refreshed baseline, initial condition, noise
	// and AR coefficients of every trace
	Components []models.Component

	// Status holds the outcome of the last deconvolution of each component
	Status []models.Status

	// Residual is Y - A C - b f
	Residual *mat.Dense

	// Iterations is the number of sweeps actually run
	Iterations int
}

// Update solves for new traces. a is d x K, b is d x nb (may be nil), c is
// K x T, f is nb x T (may be nil) and comps holds the metadata of each
// column of a. Inputs are not modified.
func Update(movie matrix.Movie, a matrix.Matrix, b, c, f *mat.Dense, comps []models.Component, opts Options) (*Result, error) {
	d, frames := movie.Dims()
	ad, k := a.Dims()
	if ad != d {
		return nil, fmt.Errorf("temporal update: %w", &matrix.ShapeError{Op: "footprints", Want: [2]int{d, k}, Got: [2]int{ad, k}})
	}
	if len(comps) != k {
		return nil, fmt.Errorf("temporal update: %w", &matrix.ShapeError{Op: "components", Want: [2]int{k, 1}, Got: [2]int{len(comps), 1}})
	}
	if k > 0 {
		if r, t := c.Dims(); r != k || t != frames {
			return nil, fmt.Errorf("temporal update: %w", &matrix.ShapeError{Op: "traces", Want: [2]int{k, frames}, Got: [2]int{r, t}})
		}
	}
	nb := 0
	if b != nil {
		var bd int
		bd, nb = b.Dims()
		if bd != d {
			return nil, fmt.Errorf("temporal update: %w", &matrix.ShapeError{Op: "background", Want: [2]int{d, nb}, Got: [2]int{bd, nb}})
		}
		if f == nil {
			return nil, fmt.Errorf("temporal update: %w", &matrix.ShapeError{Op: "background traces", Want: [2]int{nb, frames}})
		}
		if r, t := f.Dims(); r != nb || t != frames {
			return nil, fmt.Errorf("temporal update: %w", &matrix.ShapeError{Op: "background traces", Want: [2]int{nb, frames}, Got: [2]int{r, t}})
		}
	}

	u := &updater{
		movie:  movie,
		k:      k,
		nb:     nb,
		d:      d,
		frames: frames,
		pool:   schedule.NewPool(opts.Workers),
		opts:   opts,
	}
	if k > 0 {
		u.blocks = append(u.blocks, a)
		u.offset = append(u.offset, 0)
	}
	if nb > 0 {
		u.blocks = append(u.blocks, matrix.NewDense(b))
		u.offset = append(u.offset, k)
	}
	res := &Result{
		Components: make([]models.Component, k),
		Status:     make([]models.Status, k),
	}
	for j := range comps {
		res.Components[j] = comps[j].Clone()
	}
	if k+nb == 0 {
		res.Residual = matrix.Materialize(movie)
		return res, nil
	}

	if nb == 0 {
		f = nil
	}
	if k == 0 {
		c = nil
	}
	cf := matrix.StackRows(c, f)
	yra, err := u.project()
	if err != nil {
		return nil, fmt.Errorf("temporal update: %w", err)
	}
	aa := u.gram()
	var proj mat.Dense
	proj.Mul(aa, cf)
	yra.Sub(yra, &proj)

	spikes := mat.NewDense(max(k, 1), frames, nil)
	for iter := 0; iter < opts.Iterations; iter++ {
		res.Iterations++
		prev := mat.DenseCopyOf(cf)

		for _, batch := range schedule.UpdateOrder(a, opts.Seed+uint32(iter)) {
			out := make([]deconv.Result, k)
			status := make([]models.Status, k)
			err := u.pool.Run(batch, func(j int) error {
				out[j], status[j] = u.solve(j, yra, aa, cf, res.Components[j])
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("temporal update: %w", err)
			}
			for _, j := range batch {
				shift(yra, aa, cf, j, out[j].C)
				copy(spikes.RawRowView(j), out[j].S)
				comp := &res.Components[j]
				comp.Baseline = out[j].Baseline
				comp.Initial = out[j].Initial
				comp.Noise = out[j].Noise
				comp.AR = out[j].G
				comp.Status = status[j]
				res.Status[j] = status[j]
			}
		}

		for j := k; j < k+nb; j++ {
			ajj := aa.At(j, j)
			if ajj <= 0 {
				continue
			}
			next := append([]float64(nil), cf.RawRowView(j)...)
			floats.AddScaled(next, 1/ajj, yra.RawRowView(j))
			shift(yra, aa, cf, j, next)
		}

		if k > 0 && relativeChange(cf, prev, k) <= opts.Tol {
			break
		}
	}

	if k > 0 {
		res.C = mat.DenseCopyOf(cf.Slice(0, k, 0, frames))
		res.S = spikes
	}
	if nb > 0 {
		res.F = mat.DenseCopyOf(cf.Slice(k, k+nb, 0, frames))
	}
	res.Residual, err = u.residual(cf)
	if err != nil {
		return nil, fmt.Errorf("temporal update: %w", err)
	}
	return res, nil
}

type updater struct {
	movie matrix.Movie

	// blocks holds the footprints [A b]; column j of block i pairs with row
	// offset[i]+j of [C; f]
	blocks []matrix.Matrix
	offset []int

	k, nb, d, frames int
	pool             *schedule.Pool
	opts             Options
}

type rowView struct {
	cols [][]int
	vals [][]float64
}

// rows returns the row-major view of every block.
func (u *updater) rows() []rowView {
	out := make([]rowView, len(u.blocks))
	for i, m := range u.blocks {
		out[i].cols, out[i].vals = m.Rows()
	}
	return out
}

// chunks splits the pixels into one range per worker.
func (u *updater) chunks() ([][2]int, []int) {
	size := (u.d + u.pool.Workers - 1) / u.pool.Workers
	chunks := schedule.Chunks(u.d, max(size, 1))
	items := make([]int, len(chunks))
	for i := range items {
		items[i] = i
	}
	return chunks, items
}

// project computes [A b]^T Y by streaming the movie one pixel at a time.
// Every chunk accumulates its own partial sum.
func (u *updater) project() (*mat.Dense, error) {
	views := u.rows()
	chunks, items := u.chunks()
	partial := make([]*mat.Dense, len(chunks))
	err := u.pool.Run(items, func(i int) error {
		acc := mat.NewDense(u.k+u.nb, u.frames, nil)
		row := make([]float64, u.frames)
		for p := chunks[i][0]; p < chunks[i][1]; p++ {
			row = u.movie.Row(p, row)
			for n, v := range views {
				for x, j := range v.cols[p] {
					floats.AddScaled(acc.RawRowView(u.offset[n]+j), v.vals[p][x], row)
				}
			}
		}
		partial[i] = acc
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := mat.NewDense(u.k+u.nb, u.frames, nil)
	for _, p := range partial {
		out.Add(out, p)
	}
	return out, nil
}

// gram returns [A b]^T [A b].
func (u *updater) gram() *mat.Dense {
	n := u.k + u.nb
	out := mat.NewDense(n, n, nil)
	for x, mx := range u.blocks {
		for y, my := range u.blocks {
			g := matrix.Cross(mx, my)
			r, c := g.Dims()
			out.Slice(u.offset[x], u.offset[x]+r, u.offset[y], u.offset[y]+c).(*mat.Dense).Copy(g)
		}
	}
	return out
}

// solve deconvolves component j against its projected residual.
func (u *updater) solve(j int, yra, aa, cf *mat.Dense, comp models.Component) (deconv.Result, models.Status) {
	ajj := aa.At(j, j)
	if ajj <= 0 {
		flat := make([]float64, u.frames)
		return deconv.Result{C: flat, S: make([]float64, u.frames), G: comp.AR, Converged: true}, models.StatusDegenerate
	}
	y := append([]float64(nil), cf.RawRowView(j)...)
	floats.AddScaled(y, 1/ajj, yra.RawRowView(j))

	var g []float64
	if len(comp.AR) == u.opts.Deconv.P {
		g = comp.AR
	}
	res := deconv.Solve(y, g, 0, u.opts.Deconv)
	if !finite(res.C) || !finite(res.S) {
		res.C = make([]float64, u.frames)
		res.S = make([]float64, u.frames)
		res.Baseline, res.Initial = 0, 0
		return res, models.StatusDegenerate
	}

	status := models.StatusOK
	if !res.Converged {
		status = models.StatusNonConverged
	}
	if floats.Norm(res.C, math.Inf(1)) == 0 {
		status = models.StatusDegenerate
	}
	return res, status
}

// shift replaces row j of cf with next and keeps yra = [A b]^T Y - aa cf.
func shift(yra, aa, cf *mat.Dense, j int, next []float64) {
	cur := cf.RawRowView(j)
	delta := make([]float64, len(next))
	floats.SubTo(delta, next, cur)
	n, _ := yra.Dims()
	for i := 0; i < n; i++ {
		if w := aa.At(i, j); w != 0 {
			floats.AddScaled(yra.RawRowView(i), -w, delta)
		}
	}
	copy(cur, next)
}

// relativeChange is ||C - prev||_F / ||C||_F over the first k rows.
func relativeChange(cf, prev *mat.Dense, k int) float64 {
	var diff, norm float64
	for j := 0; j < k; j++ {
		cur, old := cf.RawRowView(j), prev.RawRowView(j)
		for t := range cur {
			e := cur[t] - old[t]
			diff += e * e
			norm += cur[t] * cur[t]
		}
	}
	if norm == 0 {
		if diff == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return math.Sqrt(diff / norm)
}

// residual computes Y - [A b] [C; f] pixel by pixel.
func (u *updater) residual(cf *mat.Dense) (*mat.Dense, error) {
	out := mat.NewDense(u.d, u.frames, nil)
	views := u.rows()
	chunks, items := u.chunks()
	err := u.pool.Run(items, func(i int) error {
		for p := chunks[i][0]; p < chunks[i][1]; p++ {
			row := out.RawRowView(p)
			u.movie.Row(p, row)
			for n, v := range views {
				for x, j := range v.cols[p] {
					floats.AddScaled(row, -v.vals[p][x], cf.RawRowView(u.offset[n]+j))
				}
			}
		}
		return nil
	})
	return out, err
}

func finite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
