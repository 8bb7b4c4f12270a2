// Package merge fuses components that describe the same neuron: footprints
// that overlap and traces that are strongly correlated.
package merge

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/trose-neuro/CaImAn/internal/models"
	"github.com/trose-neuro/CaImAn/pkg/config"
	"github.com/trose-neuro/CaImAn/pkg/deconv"
	"github.com/trose-neuro/CaImAn/pkg/matrix"
	"github.com/trose-neuro/CaImAn/pkg/noise"
	"github.com/trose-neuro/CaImAn/pkg/schedule"
)

// Options controls merging.
type Options struct {
	SpatialThr  float64
	TemporalThr float64

	// MaxMerges caps the number of groups merged per call
	MaxMerges int

	Deconv  deconv.Options
	Workers int
}

// OptionsFromConfig collects the merge settings of a configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	d := deconv.DefaultOptions()
	d.P = cfg.Temporal.P
	d.Lags = cfg.Noise.Lags
	d.Fudge = cfg.Temporal.FudgeFactor
	d.BaselineNonNeg = cfg.Temporal.BaselineNonNeg
	d.Noise = noise.Options{Band: cfg.Noise.Band, Method: noise.Method(cfg.Noise.Method), Window: cfg.Noise.Window}
	return Options{
		SpatialThr:  cfg.Merge.SpatialThr,
		TemporalThr: cfg.Merge.TemporalThr,
		MaxMerges:   cfg.Merge.MaxMerges,
		Deconv:      d,
		Workers:     cfg.Processing.NumCores,
	}
}

// Result is the factorization after merging. Components that were not merged
// keep their relative order; the merged components follow them.
type Result struct {
	A          *matrix.Sparse
	C          *mat.Dense
	S          *mat.Dense
	Components []models.Component
	Record     models.MergeRecord
}

type merged struct {
	footprint []matrix.Entry
	fit       deconv.Result
	status    models.Status
}

// Merge fuses the components of (a, c, s) selected by Groups. residual is
// Y - A C - b f (d x T); it may be nil, in which case the refit uses the
// components' own reconstruction only. Inputs are not modified.
func Merge(residual *mat.Dense, a matrix.Matrix, c, s *mat.Dense, comps []models.Component, opts Options) (*Result, error) {
	d, k := a.Dims()
	if len(comps) != k {
		return nil, fmt.Errorf("merge: %w", &matrix.ShapeError{Op: "components", Want: [2]int{k, 1}, Got: [2]int{len(comps), 1}})
	}
	if k == 0 {
		return &Result{A: matrix.NewSparse(d, nil)}, nil
	}
	_, frames := c.Dims()
	if r, _ := c.Dims(); r != k {
		return nil, fmt.Errorf("merge: %w", &matrix.ShapeError{Op: "traces", Want: [2]int{k, frames}, Got: [2]int{r, frames}})
	}
	if s != nil {
		if r, t := s.Dims(); r != k || t != frames {
			return nil, fmt.Errorf("merge: %w", &matrix.ShapeError{Op: "spikes", Want: [2]int{k, frames}, Got: [2]int{r, t}})
		}
	}
	if residual != nil {
		if r, t := residual.Dims(); r != d || t != frames {
			return nil, fmt.Errorf("merge: %w", &matrix.ShapeError{Op: "residual", Want: [2]int{d, frames}, Got: [2]int{r, t}})
		}
	}

	groups := Groups(a, c, opts.SpatialThr, opts.TemporalThr, opts.MaxMerges)
	out := make([]merged, len(groups))
	items := make([]int, len(groups))
	for i := range items {
		items[i] = i
	}
	err := schedule.NewPool(opts.Workers).Run(items, func(i int) error {
		out[i] = fuse(residual, a, c, groups[i], opts.Deconv)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("merge: %w", err)
	}

	gone := make(map[int]bool)
	for _, g := range groups {
		for _, j := range g {
			gone[j] = true
		}
	}
	var kept []int
	for j := 0; j < k; j++ {
		if !gone[j] {
			kept = append(kept, j)
		}
	}

	n := len(kept) + len(groups)
	res := &Result{
		C:          mat.NewDense(n, frames, nil),
		S:          mat.NewDense(n, frames, nil),
		Components: make([]models.Component, 0, n),
	}
	cols := make([][]matrix.Entry, 0, n)
	for row, j := range kept {
		cols = append(cols, a.Column(j))
		copy(res.C.RawRowView(row), c.RawRowView(j))
		if s != nil {
			copy(res.S.RawRowView(row), s.RawRowView(j))
		}
		res.Components = append(res.Components, comps[j].Clone())
	}
	for i, g := range groups {
		row := len(kept) + i
		cols = append(cols, out[i].footprint)
		copy(res.C.RawRowView(row), out[i].fit.C)
		copy(res.S.RawRowView(row), out[i].fit.S)
		res.Components = append(res.Components, models.Component{
			Baseline: out[i].fit.Baseline,
			Initial:  out[i].fit.Initial,
			Noise:    out[i].fit.Noise,
			AR:       out[i].fit.G,
			Status:   out[i].status,
			Origins:  origins(comps, g),
		})
		res.Record.Groups = append(res.Record.Groups, append([]int(nil), g...))
		res.Record.Replaced = append(res.Record.Replaced, row)
	}
	res.A = matrix.NewSparse(d, cols)
	return res, nil
}

// fuse builds the footprint and trace replacing one group.
func fuse(residual *mat.Dense, a matrix.Matrix, c *mat.Dense, group []int, opts deconv.Options) merged {
	_, frames := c.Dims()

	// Footprint weighted by trace energy over the union support
	weight := make(map[int]float64)
	for _, j := range group {
		norm := floats.Norm(c.RawRowView(j), 2)
		rows, vals := a.Col(j)
		for n, p := range rows {
			weight[p] += vals[n] * norm
		}
	}
	support := make([]int, 0, len(weight))
	for p := range weight {
		support = append(support, p)
	}
	sort.Ints(support)
	w := make([]float64, len(support))
	for n, p := range support {
		w[n] = weight[p]
	}

	// Local signal: residual plus the group's own reconstruction
	local := mat.NewDense(len(support), frames, nil)
	for n, p := range support {
		row := local.RawRowView(n)
		if residual != nil {
			copy(row, residual.RawRowView(p))
		}
		for _, j := range group {
			if v := a.At(p, j); v != 0 {
				floats.AddScaled(row, v, c.RawRowView(j))
			}
		}
	}
	signal := matrix.NewDense(local)

	trace := project(signal, w, frames)
	if refined := footprintFor(signal, trace); floats.Norm(refined, 2) > 0 {
		w = refined
		trace = project(signal, w, frames)
	}

	norm := floats.Norm(w, 2)
	footprint := make([]matrix.Entry, 0, len(support))
	if norm > 0 {
		for n, p := range support {
			if w[n] > 0 {
				footprint = append(footprint, matrix.Entry{Row: p, Value: w[n] / norm})
			}
		}
		floats.Scale(norm, trace)
	}

	fit := deconv.Solve(trace, nil, 0, opts)
	status := models.StatusOK
	switch {
	case norm == 0 || floats.Norm(fit.C, math.Inf(1)) == 0:
		status = models.StatusDegenerate
	case !fit.Converged:
		status = models.StatusNonConverged
	}
	return merged{footprint: footprint, fit: fit, status: status}
}

// project returns the non-negative trace max(0, local^T w / ||w||^2).
func project(local matrix.Matrix, w []float64, frames int) []float64 {
	trace := make([]float64, frames)
	ww := floats.Dot(w, w)
	if ww == 0 {
		return trace
	}
	local.MulTransVecTo(trace, w)
	for t := range trace {
		trace[t] = math.Max(trace[t]/ww, 0)
	}
	return trace
}

// footprintFor returns max(0, local trace / ||trace||^2).
func footprintFor(local matrix.Matrix, trace []float64) []float64 {
	r, _ := local.Dims()
	w := make([]float64, r)
	tt := floats.Dot(trace, trace)
	if tt == 0 {
		return w
	}
	local.MulVecTo(w, trace)
	for n := range w {
		w[n] = math.Max(w[n]/tt, 0)
	}
	return w
}

// origins returns the sorted union of the initial indices a group subsumes.
func origins(comps []models.Component, group []int) []int {
	var out []int
	for _, j := range group {
		if len(comps[j].Origins) == 0 {
			out = append(out, j)
			continue
		}
		out = append(out, comps[j].Origins...)
	}
	sort.Ints(out)
	return out
}
