package spatial

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/trose-neuro/CaImAn/internal/models"
	"github.com/trose-neuro/CaImAn/pkg/config"
	"github.com/trose-neuro/CaImAn/pkg/matrix"
)

const side = 15

func square(row, col, half int) []matrix.Entry {
	var out []matrix.Entry
	for r := row - half; r <= row+half; r++ {
		for c := col - half; c <= col+half; c++ {
			out = append(out, matrix.Entry{Row: r*side + c, Value: 1})
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

func testShape() ShapeOptions {
	return ShapeOptions{Method: config.MethodEllipse, Dist: 3, MinSize: 1, MaxSize: 3, Height: side, Width: side}
}

type scene struct {
	movie *mat.Dense
	a     *matrix.Sparse
	c, f  *mat.Dense
	sn    []float64
	zero  int
}

// twoNeurons builds Y = A C + b f + noise with a flat zero pixel next to the
// first neuron
func twoNeurons(t *testing.T) scene {
	t.Helper()
	rng := rand.New(rand.NewSource(9))
	const frames = 200
	const sigma = 0.05

	a := matrix.NewSparse(side*side, [][]matrix.Entry{square(4, 4, 1), square(10, 10, 1)})
	c := mat.NewDense(2, frames, nil)
	for j := 0; j < 2; j++ {
		for i := 0; i < frames; i++ {
			if rng.Float64() < 0.2 {
				c.Set(j, i, 1+rng.Float64())
			}
		}
	}
	f := mat.NewDense(1, frames, nil)
	for i := 0; i < frames; i++ {
		f.Set(0, i, 1+0.1*math.Sin(float64(i)/10))
	}

	y := mat.NewDense(side*side, frames, nil)
	y.Mul(dense(a), c)
	sn := make([]float64, side*side)
	zero := 4*side + 6
	for p := 0; p < side*side; p++ {
		row := y.RawRowView(p)
		if p == zero {
			for i := range row {
				row[i] = 0
			}
			continue
		}
		sn[p] = sigma
		for i := range row {
			row[i] += 0.5*f.At(0, i) + sigma*rng.NormFloat64()
		}
	}
	return scene{movie: y, a: a, c: c, f: f, sn: sn, zero: zero}
}

func testOptions() Options {
	return Options{Shape: testShape(), Workers: 3, PixelsPerWorker: 17}
}

func TestUpdateRecoversFootprints(t *testing.T) {
	s := twoNeurons(t)
	res, err := Update(matrix.NewInMemory(s.movie), s.a, s.c, s.f, s.sn, testOptions())
	require.NoError(t, err)

	truth := [][]matrix.Entry{square(4, 4, 1), square(10, 10, 1)}
	for j, want := range truth {
		assert.Equal(t, models.StatusOK, res.Status[j])
		assert.InDelta(t, 1, res.A.ColNorm(j), 1e-9)

		var onSupport float64
		for _, e := range want {
			v := res.A.At(e.Row, j)
			assert.Greater(t, v, 0.2, "pixel %d of component %d", e.Row, j)
			onSupport += v * v
		}
		assert.Greater(t, onSupport, 0.9)

		// The footprint norm (3 for a unit 3x3 square) is folded into the trace
		ratio := mat.Norm(res.C.RowView(j), 2) / mat.Norm(s.c.RowView(j), 2)
		assert.InDelta(t, 3, ratio, 0.3)
	}

	require.NotNil(t, res.B)
	assert.InDelta(t, 0.5, res.B.At(0, 0), 0.05)
}

func TestUpdateFlatPixelGetsNoWeight(t *testing.T) {
	s := twoNeurons(t)
	res, err := Update(matrix.NewInMemory(s.movie), s.a, s.c, s.f, s.sn, testOptions())
	require.NoError(t, err)

	// The pixel is inside the first neighborhood, so it was a candidate
	idx := NewIndex(s.a, testShape())
	require.Contains(t, idx.Candidates(s.zero), 0)

	for j := 0; j < 2; j++ {
		assert.Equal(t, 0.0, res.A.At(s.zero, j))
	}
}

func TestUpdateIsRepeatable(t *testing.T) {
	s := twoNeurons(t)
	movie := matrix.NewInMemory(s.movie)
	first, err := Update(movie, s.a, s.c, s.f, s.sn, testOptions())
	require.NoError(t, err)
	opts := testOptions()
	opts.Workers = 1
	second, err := Update(movie, s.a, s.c, s.f, s.sn, opts)
	require.NoError(t, err)

	assert.True(t, mat.EqualApprox(dense(first.A), dense(second.A), 1e-12))
	assert.True(t, mat.EqualApprox(first.C, second.C, 1e-12))
}

func TestUpdateDenseFootprints(t *testing.T) {
	s := twoNeurons(t)
	movie := matrix.NewInMemory(s.movie)
	sparse, err := Update(movie, s.a, s.c, s.f, s.sn, testOptions())
	require.NoError(t, err)
	full, err := Update(movie, matrix.NewDense(dense(s.a)), s.c, s.f, s.sn, testOptions())
	require.NoError(t, err)

	assert.True(t, mat.EqualApprox(dense(sparse.A), dense(full.A), 1e-12))
	assert.True(t, mat.EqualApprox(sparse.C, full.C, 1e-12))
	assert.Equal(t, sparse.Status, full.Status)
}

func TestUpdateFootprintsStayInNeighborhood(t *testing.T) {
	s := twoNeurons(t)
	res, err := Update(matrix.NewInMemory(s.movie), s.a, s.c, s.f, s.sn, testOptions())
	require.NoError(t, err)

	idx := NewIndex(s.a, testShape())
	for j := 0; j < 2; j++ {
		shape := idx.Shape(j)
		for _, e := range res.A.Column(j) {
			assert.True(t, shape.Contains(e.Row/side, e.Row%side), "pixel %d outside neighborhood %d", e.Row, j)
		}
	}
}

func TestUpdateFlagsDegenerate(t *testing.T) {
	s := twoNeurons(t)
	c := mat.DenseCopyOf(s.c)
	for i := range c.RawRowView(1) {
		c.Set(1, i, 0)
	}
	res, err := Update(matrix.NewInMemory(s.movie), s.a, c, s.f, s.sn, testOptions())
	require.NoError(t, err)

	assert.Equal(t, models.StatusDegenerate, res.Status[1])
	assert.Empty(t, res.A.Column(1))
	assert.Equal(t, models.StatusOK, res.Status[0])
}

func TestUpdateShapeErrors(t *testing.T) {
	s := twoNeurons(t)
	_, err := Update(matrix.NewInMemory(s.movie), s.a, s.c, s.f, s.sn[:10], testOptions())
	var shapeErr *matrix.ShapeError
	assert.True(t, errors.As(err, &shapeErr))

	bad := testOptions()
	bad.Shape.Width = 14
	_, err = Update(matrix.NewInMemory(s.movie), s.a, s.c, s.f, s.sn, bad)
	assert.True(t, errors.As(err, &shapeErr))
}

func TestConnectedAroundPeak(t *testing.T) {
	col := []matrix.Entry{
		{Row: 0*side + 0, Value: 0.2},
		{Row: 1*side + 1, Value: 1},
		{Row: 2*side + 2, Value: 0.5},
		{Row: 8*side + 8, Value: 0.9},
	}
	got := connectedAroundPeak(col, side, side)
	assert.Len(t, got, 3)
	for _, e := range got {
		assert.NotEqual(t, 8*side+8, e.Row)
	}
}

func TestShapes(t *testing.T) {
	a := matrix.NewSparse(side*side, [][]matrix.Entry{square(7, 7, 1)})
	opts := testShape()

	ellipse := ComputeShape(a, 0, opts)
	require.NotNil(t, ellipse)
	assert.InDelta(t, 7, ellipse.Center.Row, 1e-12)
	assert.True(t, ellipse.Contains(7, 9))
	assert.False(t, ellipse.Contains(7, 14))

	opts.Method = config.MethodRectangle
	rect := ComputeShape(a, 0, opts)
	assert.True(t, rect.Contains(9, 9))
	assert.False(t, rect.Contains(7, 12))

	opts.Method = config.MethodDilate
	dil := ComputeShape(a, 0, opts)
	assert.True(t, dil.Contains(7, 10))
	assert.False(t, dil.Contains(9, 10))
	assert.False(t, dil.Contains(7, 11))

	empty := matrix.NewSparse(side*side, [][]matrix.Entry{nil})
	assert.Nil(t, ComputeShape(empty, 0, opts))
}

func TestIndexCandidates(t *testing.T) {
	a := matrix.NewSparse(side*side, [][]matrix.Entry{square(3, 3, 1), nil, square(11, 11, 1)})
	idx := NewIndex(a, testShape())

	assert.Equal(t, []int{0}, idx.Candidates(3*side+4))
	assert.Equal(t, []int{2}, idx.Candidates(11*side+12))
	assert.Empty(t, idx.Candidates(0*side+14))
	assert.Nil(t, idx.Shape(1))
}
