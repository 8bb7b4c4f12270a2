package pipeline

import (
	"errors"
	"math"
	"math/rand"
	"path/filepath"
	"strings"
	"testing"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/trose-neuro/CaImAn/internal/models"
	"github.com/trose-neuro/CaImAn/pkg/analysis"
	"github.com/trose-neuro/CaImAn/pkg/config"
	"github.com/trose-neuro/CaImAn/pkg/matrix"
)

const (
	side   = 20
	frames = 300
)

// createTestMovie embeds two 5x5 neurons with AR(1) activity over a flat
// background
func createTestMovie(seed int64) *mat.Dense {
	rng := rand.New(rand.NewSource(seed))
	y := mat.NewDense(side*side, frames, nil)
	for _, ctr := range [][2]int{{5, 5}, {13, 14}} {
		trace := make([]float64, frames)
		var c float64
		for t := -100; t < frames; t++ {
			if rng.Float64() < 0.05 {
				c += 0.5 + rng.Float64()
			}
			if t >= 0 {
				trace[t] = c
			}
			c *= 0.9
		}
		for r := ctr[0] - 2; r <= ctr[0]+2; r++ {
			for col := ctr[1] - 2; col <= ctr[1]+2; col++ {
				floats.Add(y.RawRowView(r*side+col), trace)
			}
		}
	}
	for p := 0; p < side*side; p++ {
		row := y.RawRowView(p)
		for t := range row {
			row[t] += 1 + 0.1*rng.NormFloat64()
		}
	}
	return y
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Movie.Height = side
	cfg.Movie.Width = side
	cfg.Movie.Frames = frames
	cfg.Init.Components = 2
	cfg.Init.GSig = [2]float64{2, 2}
	cfg.Init.GSiz = [2]int{7, 7}
	cfg.Spatial.MinSize = 1
	cfg.Spatial.MaxSize = 3
	cfg.Spatial.PixelsPerWorker = 50
	cfg.Temporal.P = 1
	cfg.Processing.NumCores = 2
	cfg.Processing.OuterIterations = 1
	cfg.Output.Verbose = false
	return cfg
}

// TestProcess runs the whole pipeline on a small synthetic movie
func TestProcess(t *testing.T) {
	p, err := New(testConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	var messages int
	p.SetProgressCallback(func(completed, total int, message string) {
		messages++
	})

	if err := p.Process(matrix.NewInMemory(createTestMovie(1))); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if messages == 0 {
		t.Errorf("Expected progress messages")
	}

	st := p.State()
	k := st.K()
	if k != 2 {
		t.Fatalf("Expected 2 components, got %d", k)
	}
	centers := analysis.CenterOfMass(st.A, side)
	for _, want := range [][2]float64{{5, 5}, {13, 14}} {
		found := false
		for _, got := range centers {
			if math.Hypot(got[0]-want[0], got[1]-want[1]) <= 1 {
				found = true
			}
		}
		if !found {
			t.Errorf("No component within 1 pixel of %v, centers %v", want, centers)
		}
	}
	if len(st.Components) != k {
		t.Fatalf("Metadata for %d components, footprints for %d", len(st.Components), k)
	}
	for j := 0; j < k; j++ {
		if n := st.A.ColNorm(j); math.Abs(n-1) > 1e-9 {
			t.Errorf("Footprint %d has norm %f", j, n)
		}
		for _, e := range st.A.Column(j) {
			if e.Value < 0 {
				t.Errorf("Negative footprint weight in component %d", j)
			}
		}
		if floats.Min(st.C.RawRowView(j)) < 0 {
			t.Errorf("Negative trace value in component %d", j)
		}
		if st.Components[j].Status == models.StatusDegenerate {
			t.Errorf("Degenerate component %d survived cleanup", j)
		}
	}

	if r, c := st.C.Dims(); r != k || c != frames {
		t.Errorf("Unexpected trace shape %dx%d", r, c)
	}
	if r, c := st.Residual.Dims(); r != side*side || c != frames {
		t.Errorf("Unexpected residual shape %dx%d", r, c)
	}

	m := p.Metrics()
	if m.Components != k {
		t.Errorf("Metrics count %d components, state has %d", m.Components, k)
	}
	if m.ExplainedVariance < 0.5 {
		t.Errorf("Expected most of the variance explained, got %f", m.ExplainedVariance)
	}
	if m.RMSE <= 0 || m.RMSE > 0.5 {
		t.Errorf("Unexpected residual RMSE %f", m.RMSE)
	}
}

// TestIterateKeepsInput checks the copy-then-swap contract
func TestIterateKeepsInput(t *testing.T) {
	p, err := New(testConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	movie := matrix.NewInMemory(createTestMovie(2))
	if err := p.Process(movie); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	st := p.State()
	before := mat.DenseCopyOf(st.C)
	statuses := st.Statuses()
	if _, err := p.Iterate(movie, st); err != nil {
		t.Fatalf("Iterate failed: %v", err)
	}
	if !mat.Equal(before, st.C) {
		t.Errorf("Iterate modified the input traces")
	}
	for s, n := range st.Statuses() {
		if statuses[s] != n {
			t.Errorf("Iterate modified the input statuses")
		}
	}
}

// TestProcessShapeMismatch fails before any solve
// failingMovie serves rows normally but reports a read failure
type failingMovie struct {
	*matrix.InMemory
}

func (failingMovie) Err() error {
	return errors.New("short read")
}

// TestProcessReadFailure surfaces read errors of a file-backed movie
func TestProcessReadFailure(t *testing.T) {
	p, err := New(testConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	err = p.Process(failingMovie{matrix.NewInMemory(createTestMovie(1))})
	if err == nil || !strings.Contains(err.Error(), "short read") {
		t.Fatalf("Expected the read failure, got %v", err)
	}
	if p.State() != nil {
		t.Errorf("Expected no state after a failed read")
	}
}

// TestProcessMappedMovie runs on a file-backed movie
func TestProcessMappedMovie(t *testing.T) {
	path := filepath.Join(t.TempDir(), "movie.raw")
	if err := matrix.WriteRaw(path, createTestMovie(1)); err != nil {
		t.Fatalf("WriteRaw failed: %v", err)
	}
	mapped, err := matrix.OpenMapped(path, side*side, frames)
	if err != nil {
		t.Fatalf("OpenMapped failed: %v", err)
	}
	defer mapped.Close()

	p, err := New(testConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := p.Process(mapped); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if p.State().K() == 0 {
		t.Errorf("Expected components from the mapped movie")
	}
}

func TestProcessShapeMismatch(t *testing.T) {
	p, err := New(testConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	err = p.Process(matrix.NewInMemory(mat.NewDense(side*side-1, frames, nil)))
	var shapeErr *matrix.ShapeError
	if !errors.As(err, &shapeErr) {
		t.Fatalf("Expected a ShapeError, got %v", err)
	}
	if p.State() != nil {
		t.Errorf("Expected no state after a rejected movie")
	}
}

// TestNewRejectsConfig surfaces validation errors
func TestNewRejectsConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Merge.TemporalThr = 1.5
	_, err := New(cfg)
	var valErr *config.ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("Expected a ValidationError, got %v", err)
	}
}

// TestCleanup drops degenerate components and keeps the rest in order
func TestCleanup(t *testing.T) {
	st := &State{
		A: matrix.NewSparse(4, [][]matrix.Entry{
			{{Row: 0, Value: 1}}, nil, {{Row: 3, Value: 1}},
		}),
		C: mat.NewDense(3, 2, []float64{1, 1, 0, 0, 2, 2}),
		Components: []models.Component{
			{Origins: []int{0}},
			{Origins: []int{1}, Status: models.StatusDegenerate},
			{Origins: []int{2}, Status: models.StatusNonConverged},
		},
	}
	out, removed := st.Cleanup()
	if len(removed) != 1 || removed[0] != 1 {
		t.Fatalf("Expected component 1 removed, got %v", removed)
	}
	if out.K() != 2 || st.K() != 3 {
		t.Fatalf("Unexpected sizes: cleaned %d, original %d", out.K(), st.K())
	}
	if out.C.At(1, 0) != 2 || out.Components[1].Origins[0] != 2 {
		t.Errorf("Components out of order after cleanup")
	}
	if out.A.At(3, 1) != 1 {
		t.Errorf("Footprints out of order after cleanup")
	}

	same, removed := out.Cleanup()
	if same != out || removed != nil {
		t.Errorf("Expected cleanup without degenerate components to be a no-op")
	}
}
