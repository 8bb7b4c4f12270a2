package initialization

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/trose-neuro/CaImAn/pkg/matrix"
	"github.com/trose-neuro/CaImAn/pkg/noise"
)

// arTrace simulates a stationary AR(1) trace driven by sparse events
func arTrace(rng *rand.Rand, n int, g float64) []float64 {
	const burn = 200
	out := make([]float64, n)
	var c float64
	for t := 0; t < n+burn; t++ {
		var s float64
		if rng.Float64() < 0.05 {
			s = 0.5 + rng.Float64()
		}
		c = g*c + s
		if t >= burn {
			out[t-burn] = c
		}
	}
	return out
}

// twoNeuronMovie embeds two disjoint 5x5 footprints in a 20x20 frame
func twoNeuronMovie(rng *rand.Rand, frames int) (*mat.Dense, [][2]float64) {
	const h, w = 20, 20
	centers := [][2]float64{{5, 5}, {13, 14}}
	y := mat.NewDense(h*w, frames, nil)
	for _, ctr := range centers {
		trace := arTrace(rng, frames, 0.9)
		for r := int(ctr[0]) - 2; r <= int(ctr[0])+2; r++ {
			for c := int(ctr[1]) - 2; c <= int(ctr[1])+2; c++ {
				floats.Add(y.RawRowView(r*w+c), trace)
			}
		}
	}
	for p := 0; p < h*w; p++ {
		row := y.RawRowView(p)
		for t := range row {
			row[t] += 0.1 * rng.NormFloat64()
		}
	}
	return y, centers
}

func testOptions() Options {
	return Options{
		Height:     20,
		Width:      20,
		Components: 2,
		GSig:       [2]float64{2, 2},
		GSiz:       [2]int{7, 7},
		NIter:      5,
		MaxIter:    5,
		Background: 1,
		MinPixels:  5,
		P:          1,
		Lags:       5,
		Fudge:      1,
		Noise:      noise.DefaultOptions(),
	}
}

func centerOfMass(a *matrix.Sparse, j, width int) [2]float64 {
	var sum, r, c float64
	for _, e := range a.Column(j) {
		sum += e.Value
		r += e.Value * float64(e.Row/width)
		c += e.Value * float64(e.Row%width)
	}
	return [2]float64{r / sum, c / sum}
}

// TestInitializeTwoNeurons recovers both neurons and their decay
func TestInitializeTwoNeurons(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	y, centers := twoNeuronMovie(rng, 500)

	res, err := Initialize(matrix.NewInMemory(y), testOptions())
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if res.K() != 2 {
		t.Fatalf("Expected 2 components, got %d", res.K())
	}

	for _, want := range centers {
		found := false
		for j := 0; j < res.K(); j++ {
			got := centerOfMass(res.A, j, 20)
			if math.Hypot(got[0]-want[0], got[1]-want[1]) <= 1 {
				found = true
				if g := res.Components[j].AR[0]; math.Abs(g-0.9) > 0.05 {
					t.Errorf("Component at %v: expected AR coefficient near 0.9, got %f", want, g)
				}
			}
		}
		if !found {
			t.Errorf("No component within 1 pixel of %v", want)
		}
	}

	for j := 0; j < res.K(); j++ {
		if n := res.A.ColNorm(j); math.Abs(n-1) > 1e-9 {
			t.Errorf("Footprint %d not normalized: %f", j, n)
		}
		for _, e := range res.A.Column(j) {
			if e.Value < 0 {
				t.Errorf("Negative footprint weight in component %d", j)
			}
		}
	}
	if res.B == nil || res.F == nil {
		t.Fatalf("Expected a background estimate")
	}
	if r, c := res.F.Dims(); r != 1 || c != 500 {
		t.Errorf("Unexpected background trace shape %dx%d", r, c)
	}
}

// TestInitializeRejectsShape checks the frame size against the movie
func TestInitializeRejectsShape(t *testing.T) {
	opts := testOptions()
	opts.Width = 19
	_, err := Initialize(matrix.NewInMemory(mat.NewDense(400, 10, nil)), opts)

	var shapeErr *matrix.ShapeError
	if !errors.As(err, &shapeErr) {
		t.Fatalf("Expected a ShapeError, got %v", err)
	}
}

// TestInitializeFlatMovie finds nothing in a movie without activity
func TestInitializeFlatMovie(t *testing.T) {
	y := mat.NewDense(400, 50, nil)
	for p := 0; p < 400; p++ {
		for i := 0; i < 50; i++ {
			y.Set(p, i, 3)
		}
	}
	res, err := Initialize(matrix.NewInMemory(y), testOptions())
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if res.K() != 0 {
		t.Errorf("Expected no components, got %d", res.K())
	}
}

// TestPatchTooSmall marks small border patches exhausted instead of looping
func TestPatchTooSmall(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	y := mat.NewDense(9, 100, nil)
	copy(y.RawRowView(0), arTrace(rng, 100, 0.9))

	opts := testOptions()
	opts.Height, opts.Width = 3, 3
	opts.MinPixels = 50
	res, err := Initialize(matrix.NewInMemory(y), opts)
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if res.K() != 0 {
		t.Errorf("Expected small patches to be skipped, got %d components", res.K())
	}
}

// TestGaussianKernel checks normalization and symmetry
func TestGaussianKernel(t *testing.T) {
	k := gaussianKernel(7, 2)
	if math.Abs(floats.Sum(k)-1) > 1e-12 {
		t.Errorf("Kernel does not sum to one")
	}
	for i := range k {
		if math.Abs(k[i]-k[len(k)-1-i]) > 1e-15 {
			t.Errorf("Kernel not symmetric at %d", i)
		}
	}
	if len(gaussianKernel(4, 1)) != 5 {
		t.Errorf("Expected even sizes to be rounded up")
	}
}

// TestBackgroundRankOne factorizes an exact rank-one matrix
func TestBackgroundRankOne(t *testing.T) {
	v := mat.NewDense(6, 40, nil)
	for p := 0; p < 6; p++ {
		for i := 0; i < 40; i++ {
			v.Set(p, i, float64(p+1)*(2+math.Sin(float64(i)/5)))
		}
	}
	b, f := Background(v, NMFConfig{Rank: 1, MaxIter: 200})

	var recon mat.Dense
	recon.Mul(b, f)
	recon.Sub(&recon, v)
	if rel := mat.Norm(&recon, 2) / mat.Norm(v, 2); rel > 1e-3 {
		t.Errorf("Expected a near exact fit, relative error %g", rel)
	}
	if floats.Min(b.RawMatrix().Data) < 0 || floats.Min(f.RawMatrix().Data) < 0 {
		t.Errorf("Expected non-negative factors")
	}
}
