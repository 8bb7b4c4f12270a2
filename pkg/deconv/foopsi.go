package deconv

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/trose-neuro/CaImAn/pkg/noise"
)

// Options controls the constrained deconvolution.
type Options struct {
	// P is the AR order used when coefficients must be estimated
	P int

	// Lags and Fudge are passed to noise.FitAR
	Lags  int
	Fudge float64

	// BaselineNonNeg constrains bl >= 0
	BaselineNonNeg bool

	// Noise configures the trace noise estimate when none is supplied
	Noise noise.Options

	// MaxIter bounds the accelerated projected-gradient iterations per penalty
	MaxIter int

	// Bisections bounds the penalty search
	Bisections int

	// Tol is the relative change that stops the inner iterations
	Tol float64
}

// DefaultOptions returns the settings used by the temporal update.
func DefaultOptions() Options {
	return Options{
		P:              2,
		Lags:           5,
		Fudge:          1,
		BaselineNonNeg: true,
		Noise:          noise.DefaultOptions(),
		MaxIter:        400,
		Bisections:     30,
		Tol:            1e-7,
	}
}

// Result is the outcome of one deconvolution.
type Result struct {
	// C is the denoised trace including baseline and initial transient
	C []float64

	// S is the non-negative event signal
	S []float64

	Baseline float64
	Initial  float64
	Noise    float64
	G        []float64

	// Converged is false when even the unpenalized fit stays outside the
	// noise ball; the unpenalized fit is returned in that case.
	Converged bool
}

// Solve deconvolves y. g and sn are used when supplied (g non-nil, sn > 0)
// and estimated from y otherwise.
//
// The problem solved is
//
//	min sum(s)  s.t.  s >= 0, c1 >= 0, ||y - K s - c1 d - bl||_2 <= sn sqrt(T)
//
// through its penalized form with a bisection on the penalty: the largest
// penalty whose fit stays inside the noise ball gives the sparsest events.
func Solve(y, g []float64, sn float64, opts Options) Result {
	n := len(y)
	if sn <= 0 || math.IsNaN(sn) {
		sn = noise.TraceNoise(y, opts.Noise)
	}
	if g == nil {
		g = noise.FitAR(y, opts.P, opts.Lags, sn, opts.Fudge)
	}
	res := Result{Noise: sn, G: append([]float64(nil), g...), Converged: true}
	if n == 0 {
		return res
	}

	w := newWorkspace(y, g, opts)
	bound := sn * sn * float64(n)
	slack := 1e-10 * (floats.Dot(y, y) + 1)

	// Events switched off entirely: only the baseline and initial transient
	zero := w.fit(nil, 0, math.Inf(1))
	if zero.rss <= bound+slack {
		return w.result(zero, res)
	}

	free := w.fit(nil, 0, 0)
	if free.rss > bound+slack {
		res.Converged = false
		return w.result(free, res)
	}

	lo, hi := 0.0, w.maxPenalty(zero)
	best := free
	for i := 0; i < opts.Bisections && hi-lo > 1e-9*hi; i++ {
		mid := 0.5 * (lo + hi)
		sol := w.fit(best.s, best.c1, mid)
		if sol.rss <= bound+slack {
			lo, best = mid, sol
		} else {
			hi = mid
		}
	}
	return w.result(best, res)
}

type solution struct {
	s   []float64
	c1  float64
	bl  float64
	rss float64
}

type workspace struct {
	y     []float64
	model Model
	d     []float64
	dd    float64
	step  float64
	opts  Options

	ks, r, grad []float64
}

func newWorkspace(y, g []float64, opts Options) *workspace {
	n := len(y)
	m := Model{G: g}
	d := m.Decay(n)
	gain := m.Gain(n)
	dd := floats.Dot(d, d)
	maxIter := opts.MaxIter
	if maxIter <= 0 {
		maxIter = 400
	}
	opts.MaxIter = maxIter
	return &workspace{
		y:     y,
		model: m,
		d:     d,
		dd:    dd,
		step:  1 / (gain*gain + dd),
		opts:  opts,
		ks:    make([]float64, n),
		r:     make([]float64, n),
		grad:  make([]float64, n),
	}
}

// residual sets w.r = y - K s - c1 d - bl and returns bl. The baseline is
// the mean of the remainder, or zero when that mean is negative and the
// baseline is constrained.
func (w *workspace) residual(s []float64, c1 float64) float64 {
	if s == nil {
		for t := range w.ks {
			w.ks[t] = 0
		}
	} else {
		w.model.Filter(w.ks, s)
	}
	for t := range w.r {
		w.r[t] = w.y[t] - w.ks[t] - c1*w.d[t]
	}
	bl := floats.Sum(w.r) / float64(len(w.r))
	if w.opts.BaselineNonNeg && bl < 0 {
		bl = 0
	}
	floats.AddConst(-bl, w.r)
	return bl
}

// fit minimizes 1/2||y - K s - c1 d - bl||^2 + lambda*sum(s) with FISTA on
// (s, c1), the baseline being eliminated in closed form. An infinite lambda
// keeps s at zero.
func (w *workspace) fit(warm []float64, c1 float64, lambda float64) solution {
	n := len(w.y)
	if math.IsInf(lambda, 1) {
		// Alternate exact updates of c1 and bl with s = 0
		c1 = 0
		for it := 0; it < 50; it++ {
			w.residual(nil, c1)
			next := 0.0
			if w.dd > 0 {
				next = math.Max(0, c1+floats.Dot(w.d, w.r)/w.dd)
			}
			if math.Abs(next-c1) <= 1e-12*(1+c1) {
				c1 = next
				break
			}
			c1 = next
		}
		bl := w.residual(nil, c1)
		return solution{s: make([]float64, n), c1: c1, bl: bl, rss: floats.Dot(w.r, w.r)}
	}

	x := make([]float64, n)
	if warm != nil {
		copy(x, warm)
	}
	z := append([]float64(nil), x...)
	xc1, zc1 := c1, c1
	next := make([]float64, n)
	tk := 1.0

	for it := 0; it < w.opts.MaxIter; it++ {
		w.residual(z, zc1)
		w.model.FilterTrans(w.grad, w.r)
		gc1 := floats.Dot(w.d, w.r)

		var change, scale float64
		for t := range next {
			next[t] = math.Max(0, z[t]+w.step*(w.grad[t]-lambda))
			change = math.Max(change, math.Abs(next[t]-x[t]))
			scale = math.Max(scale, next[t])
		}
		nextC1 := math.Max(0, zc1+w.step*gc1)
		change = math.Max(change, math.Abs(nextC1-xc1))
		scale = math.Max(scale, nextC1)

		tNext := (1 + math.Sqrt(1+4*tk*tk)) / 2
		momentum := (tk - 1) / tNext
		for t := range z {
			z[t] = next[t] + momentum*(next[t]-x[t])
		}
		zc1 = nextC1 + momentum*(nextC1-xc1)
		x, next = next, x
		xc1 = nextC1
		tk = tNext

		if change <= w.opts.Tol*(scale+1e-12) {
			break
		}
	}

	bl := w.residual(x, xc1)
	return solution{s: x, c1: xc1, bl: bl, rss: floats.Dot(w.r, w.r)}
}

// maxPenalty is the smallest lambda for which s = 0 is optimal given the
// zero-event fit.
func (w *workspace) maxPenalty(zero solution) float64 {
	w.residual(nil, zero.c1)
	w.model.FilterTrans(w.grad, w.r)
	return math.Max(floats.Max(w.grad), 1e-12)
}

func (w *workspace) result(sol solution, res Result) Result {
	res.S = append([]float64(nil), sol.s...)
	res.Baseline = sol.bl
	res.Initial = sol.c1
	res.C = Reconstruct(res.S, res.G, sol.bl, sol.c1)
	return res
}
