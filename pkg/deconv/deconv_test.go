package deconv

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
)

func TestReconstructSpikesRoundTrip(t *testing.T) {
	g := []float64{1.2, -0.27}
	s := []float64{0, 1, 0, 0, 2.5, 0, 0, 0, 0.3, 0}

	c := Reconstruct(s, g, 0.7, 1.5)
	back := Spikes(c, g, 0.7, 1.5)
	for i := range s {
		assert.InDelta(t, s[i], back[i], 1e-9, "sample %d", i)
	}
}

func TestFilterTransIsAdjoint(t *testing.T) {
	m := Model{G: []float64{0.9}}
	rng := rand.New(rand.NewSource(7))
	s := make([]float64, 20)
	r := make([]float64, 20)
	for i := range s {
		s[i] = rng.NormFloat64()
		r[i] = rng.NormFloat64()
	}
	ks := make([]float64, 20)
	ktr := make([]float64, 20)
	m.Filter(ks, s)
	m.FilterTrans(ktr, r)

	assert.InDelta(t, floats.Dot(ks, r), floats.Dot(s, ktr), 1e-9)
}

func TestDecayAndGain(t *testing.T) {
	m := Model{G: []float64{0.5}}
	assert.InDelta(t, 0.5, m.DecayRate(), 1e-12)
	assert.Equal(t, []float64{1, 0.5, 0.25}, m.Decay(3))
	assert.InDelta(t, 1.75, m.Gain(3), 1e-12)

	assert.Equal(t, 0.0, Model{}.DecayRate())
}

func TestSolveConstantTrace(t *testing.T) {
	for _, level := range []float64{0, 2} {
		y := make([]float64, 120)
		for i := range y {
			y[i] = level
		}
		res := Solve(y, nil, 0, DefaultOptions())

		require.Len(t, res.S, len(y))
		assert.True(t, res.Converged)
		assert.Equal(t, 0.0, floats.Max(res.S), "level %v", level)
		assert.InDelta(t, level, res.Baseline, 1e-9)
		for i := range res.C {
			assert.InDelta(t, level, res.C[i], 1e-9)
		}
	}
}

func TestSolveRecoversEvents(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	g := []float64{0.9}
	n := 300
	events := []int{20, 90, 150, 230}
	s := make([]float64, n)
	for _, e := range events {
		s[e] = 2
	}
	const sn = 0.1
	y := Reconstruct(s, g, 1, 0)
	for i := range y {
		y[i] += sn * rng.NormFloat64()
	}

	res := Solve(y, g, sn, DefaultOptions())
	require.True(t, res.Converged)
	require.Len(t, res.C, n)

	for _, v := range res.S {
		assert.GreaterOrEqual(t, v, 0.0)
	}
	assert.GreaterOrEqual(t, res.Initial, 0.0)

	// Residual stays inside the noise ball
	var rss float64
	for i := range y {
		d := y[i] - res.C[i]
		rss += d * d
	}
	assert.LessOrEqual(t, rss, sn*sn*float64(n)*(1+1e-6))

	for _, e := range events {
		peak := floats.Max(res.S[max(e-2, 0):min(e+3, n)])
		assert.Greater(t, peak, 0.5, "event at %d", e)
	}
	assert.InDelta(t, 1, res.Baseline, 0.2)
}

func TestSolveEstimatesParameters(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	n := 400
	s := make([]float64, n)
	for i := range s {
		if rng.Float64() < 0.03 {
			s[i] = 1 + rng.Float64()
		}
	}
	y := Reconstruct(s, []float64{1.2, -0.27}, 0.5, 0)
	for i := range y {
		y[i] += 0.05 * rng.NormFloat64()
	}

	res := Solve(y, nil, 0, DefaultOptions())
	assert.Len(t, res.G, 2)
	assert.Greater(t, res.Noise, 0.0)
	assert.False(t, math.IsNaN(res.Baseline))
	for _, v := range res.S {
		assert.GreaterOrEqual(t, v, 0.0)
	}
}

func TestSolveEmptyTrace(t *testing.T) {
	res := Solve(nil, []float64{0.9}, 1, DefaultOptions())
	assert.Empty(t, res.C)
	assert.True(t, res.Converged)
}
