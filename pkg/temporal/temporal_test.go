package temporal

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/trose-neuro/CaImAn/internal/models"
	"github.com/trose-neuro/CaImAn/pkg/matrix"
)

const (
	side   = 15
	frames = 300
)

// square returns a unit-norm 3x3 footprint centered at (row, col)
func square(row, col int) []matrix.Entry {
	var out []matrix.Entry
	for r := row - 1; r <= row+1; r++ {
		for c := col - 1; c <= col+1; c++ {
			out = append(out, matrix.Entry{Row: r*side + c, Value: 1.0 / 3})
		}
	}
	return out
}

// dense expands footprints into a gonum matrix
func dense(m matrix.Matrix) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r, c, nil)
	for j := 0; j < c; j++ {
		for _, e := range m.Column(j) {
			out.Set(e.Row, j, e.Value)
		}
	}
	return out
}

func arTrace(rng *rand.Rand, g float64) []float64 {
	out := make([]float64, frames)
	var c float64
	for t := range out {
		if rng.Float64() < 0.04 {
			c += 1 + rng.Float64()
		}
		out[t] = c
		c *= g
	}
	return out
}

type scene struct {
	movie *mat.Dense
	a     *matrix.Sparse
	b     *mat.Dense
	truth *mat.Dense
	f     *mat.Dense
}

func twoNeurons(t *testing.T) scene {
	t.Helper()
	rng := rand.New(rand.NewSource(5))
	a := matrix.NewSparse(side*side, [][]matrix.Entry{square(4, 4), square(10, 10)})
	truth := mat.NewDense(2, frames, nil)
	for j := 0; j < 2; j++ {
		copy(truth.RawRowView(j), arTrace(rng, 0.9))
	}
	b := mat.NewDense(side*side, 1, nil)
	for p := 0; p < side*side; p++ {
		b.Set(p, 0, 0.5)
	}
	f := mat.NewDense(1, frames, nil)
	for i := 0; i < frames; i++ {
		f.Set(0, i, 1+0.1*math.Sin(float64(i)/10))
	}

	var y mat.Dense
	y.Mul(dense(a), truth)
	var bf mat.Dense
	bf.Mul(b, f)
	y.Add(&y, &bf)
	for p := 0; p < side*side; p++ {
		row := y.RawRowView(p)
		for i := range row {
			row[i] += 0.05 * rng.NormFloat64()
		}
	}
	return scene{movie: &y, a: a, b: b, truth: truth, f: f}
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Iterations = 3
	opts.Workers = 3
	opts.Deconv.P = 1
	return opts
}

func flatBackground() *mat.Dense {
	f := mat.NewDense(1, frames, nil)
	for i := 0; i < frames; i++ {
		f.Set(0, i, 1)
	}
	return f
}

func TestUpdateRecoversTraces(t *testing.T) {
	s := twoNeurons(t)
	c := mat.NewDense(2, frames, nil)
	comps := make([]models.Component, 2)
	res, err := Update(matrix.NewInMemory(s.movie), s.a, s.b, c, flatBackground(), comps, testOptions())
	require.NoError(t, err)

	require.NotNil(t, res.C)
	require.NotNil(t, res.S)
	require.NotNil(t, res.F)
	for j := 0; j < 2; j++ {
		got := res.C.RawRowView(j)
		assert.GreaterOrEqual(t, floats.Min(got), 0.0)
		assert.GreaterOrEqual(t, floats.Min(res.S.RawRowView(j)), 0.0)
		assert.Greater(t, stat.Correlation(got, s.truth.RawRowView(j), nil), 0.9)

		comp := res.Components[j]
		require.Len(t, comp.AR, 1)
		assert.InDelta(t, 0.9, comp.AR[0], 0.15)
		assert.Greater(t, comp.Noise, 0.0)
		assert.NotEqual(t, models.StatusDegenerate, res.Status[j])
	}
	assert.LessOrEqual(t, res.Iterations, 3)
}

func TestUpdateResidual(t *testing.T) {
	s := twoNeurons(t)
	c := mat.DenseCopyOf(s.truth)
	res, err := Update(matrix.NewInMemory(s.movie), s.a, s.b, c, s.f, make([]models.Component, 2), testOptions())
	require.NoError(t, err)

	r, cols := res.Residual.Dims()
	require.Equal(t, side*side, r)
	require.Equal(t, frames, cols)

	want := mat.DenseCopyOf(s.movie)
	var ac, bf mat.Dense
	ac.Mul(dense(s.a), res.C)
	bf.Mul(s.b, res.F)
	want.Sub(want, &ac)
	want.Sub(want, &bf)
	assert.True(t, mat.EqualApprox(want, res.Residual, 1e-9))
}

func TestUpdateDenseFootprints(t *testing.T) {
	s := twoNeurons(t)
	c := mat.DenseCopyOf(s.truth)
	comps := make([]models.Component, 2)
	sparse, err := Update(matrix.NewInMemory(s.movie), s.a, s.b, c, s.f, comps, testOptions())
	require.NoError(t, err)
	full, err := Update(matrix.NewInMemory(s.movie), matrix.NewDense(dense(s.a)), s.b, c, s.f, comps, testOptions())
	require.NoError(t, err)

	assert.True(t, mat.EqualApprox(sparse.C, full.C, 1e-9))
	assert.True(t, mat.EqualApprox(sparse.F, full.F, 1e-9))
	assert.True(t, mat.EqualApprox(sparse.Residual, full.Residual, 1e-9))
	assert.Equal(t, sparse.Status, full.Status)
}

func TestUpdateDoesNotModifyInputs(t *testing.T) {
	s := twoNeurons(t)
	c := mat.DenseCopyOf(s.truth)
	f := flatBackground()
	comps := []models.Component{{AR: []float64{0.5}}, {}}
	_, err := Update(matrix.NewInMemory(s.movie), s.a, s.b, c, f, comps, testOptions())
	require.NoError(t, err)

	assert.True(t, mat.Equal(c, s.truth))
	assert.True(t, mat.Equal(f, flatBackground()))
	assert.Equal(t, []float64{0.5}, comps[0].AR)
}

func TestUpdateFlagsEmptyFootprint(t *testing.T) {
	s := twoNeurons(t)
	a := matrix.NewSparse(side*side, [][]matrix.Entry{s.a.Column(0), s.a.Column(1), nil})
	c := mat.NewDense(3, frames, nil)
	res, err := Update(matrix.NewInMemory(s.movie), a, s.b, c, flatBackground(), make([]models.Component, 3), testOptions())
	require.NoError(t, err)

	assert.Equal(t, models.StatusDegenerate, res.Status[2])
	assert.Equal(t, 0.0, floats.Norm(res.C.RawRowView(2), 2))
}

func TestUpdateWithoutComponents(t *testing.T) {
	s := twoNeurons(t)
	empty := matrix.NewSparse(side*side, nil)
	res, err := Update(matrix.NewInMemory(s.movie), empty, nil, nil, nil, nil, testOptions())
	require.NoError(t, err)
	assert.Nil(t, res.C)
	assert.True(t, mat.Equal(s.movie, res.Residual))
}

func TestUpdateShapeErrors(t *testing.T) {
	s := twoNeurons(t)
	var shapeErr *matrix.ShapeError

	_, err := Update(matrix.NewInMemory(s.movie), s.a, s.b, mat.NewDense(2, 10, nil), flatBackground(), make([]models.Component, 2), testOptions())
	assert.True(t, errors.As(err, &shapeErr))

	_, err = Update(matrix.NewInMemory(s.movie), s.a, s.b, s.truth, nil, make([]models.Component, 2), testOptions())
	assert.True(t, errors.As(err, &shapeErr))

	_, err = Update(matrix.NewInMemory(s.movie), s.a, nil, s.truth, nil, make([]models.Component, 1), testOptions())
	assert.True(t, errors.As(err, &shapeErr))
}

func TestRelativeChange(t *testing.T) {
	cur := mat.NewDense(2, 2, []float64{3, 4, 100, 100})
	prev := mat.NewDense(2, 2, []float64{0, 0, 0, 0})
	assert.InDelta(t, 1, relativeChange(cur, prev, 1), 1e-12)
	assert.Equal(t, 0.0, relativeChange(prev, prev, 1))
}
