// Package deconv recovers sparse non-negative spike estimates from calcium
// fluorescence traces under an autoregressive generative model.
//
// A trace is modeled as
//
//	C[t] = K s + c1*d[t] + bl,   (K s)[t] = sum_j g_j (K s)[t-j] + s[t]
//
// where s >= 0 are the events, d[t] = r^t is the decay of the initial
// transient (r the largest root of the AR polynomial), c1 >= 0 its amplitude
// and bl the baseline.
package deconv

import (
	"math"

	"github.com/trose-neuro/CaImAn/pkg/noise"
)

// Model is an AR(p) calcium model with coefficients G.
type Model struct {
	G []float64
}

// Filter computes dst = K s, the calcium response to events s.
func (m Model) Filter(dst, s []float64) {
	for t := range s {
		v := s[t]
		for j, g := range m.G {
			if t-j-1 >= 0 {
				v += g * dst[t-j-1]
			}
		}
		dst[t] = v
	}
}

// FilterTrans computes dst = K^T r, the anti-causal filter with the same
// coefficients.
func (m Model) FilterTrans(dst, r []float64) {
	n := len(r)
	for t := n - 1; t >= 0; t-- {
		v := r[t]
		for j, g := range m.G {
			if t+j+1 < n {
				v += g * dst[t+j+1]
			}
		}
		dst[t] = v
	}
}

// Inverse computes dst = G c, the innovations that generate c.
func (m Model) Inverse(dst, c []float64) {
	for t := range c {
		v := c[t]
		for j, g := range m.G {
			if t-j-1 >= 0 {
				v -= g * c[t-j-1]
			}
		}
		dst[t] = v
	}
}

// Impulse returns the first n samples of the impulse response.
func (m Model) Impulse(n int) []float64 {
	e := make([]float64, n)
	h := make([]float64, n)
	if n == 0 {
		return h
	}
	e[0] = 1
	m.Filter(h, e)
	return h
}

// DecayRate returns the largest real root of the characteristic polynomial,
// clamped to [0, 0.999].
func (m Model) DecayRate() float64 {
	roots := noise.CharacteristicRoots(m.G)
	if len(roots) == 0 {
		return 0
	}
	return math.Min(math.Max(roots[0], 0), 0.999)
}

// Decay returns d[t] = r^t for the model's decay rate r.
func (m Model) Decay(n int) []float64 {
	r := m.DecayRate()
	d := make([]float64, n)
	v := 1.0
	for t := range d {
		d[t] = v
		v *= r
	}
	return d
}

// Gain bounds the operator norm of K over n samples by the L1 norm of the
// impulse response.
func (m Model) Gain(n int) float64 {
	var sum float64
	for _, v := range m.Impulse(n) {
		sum += math.Abs(v)
	}
	return sum
}

// Reconstruct builds the trace C = K s + c1 d + bl.
func Reconstruct(s, g []float64, bl, c1 float64) []float64 {
	m := Model{G: g}
	c := make([]float64, len(s))
	m.Filter(c, s)
	for t, v := range m.Decay(len(s)) {
		c[t] += c1*v + bl
	}
	return c
}

// Spikes inverts Reconstruct: s = G (C - bl - c1 d).
func Spikes(c, g []float64, bl, c1 float64) []float64 {
	m := Model{G: g}
	z := make([]float64, len(c))
	for t, v := range m.Decay(len(c)) {
		z[t] = c[t] - bl - c1*v
	}
	s := make([]float64, len(c))
	m.Inverse(s, z)
	return s
}
