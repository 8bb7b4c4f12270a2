// Package pipeline drives the constrained non-negative matrix factorization of
// a calcium-imaging movie Y ~ A C + b f.
//
// The process consists of several steps:
// 1. Estimating the noise level of every pixel
// 2. Seeding neurons and background with the greedy initializer
// 3. Alternating spatial updates, temporal updates and merges
// 4. Removing degenerate components and computing fit metrics
package pipeline

import (
	"fmt"
	"strings"

	"github.com/trose-neuro/CaImAn/pkg/config"
	"github.com/trose-neuro/CaImAn/pkg/initialization"
	"github.com/trose-neuro/CaImAn/pkg/matrix"
	"github.com/trose-neuro/CaImAn/pkg/merge"
	"github.com/trose-neuro/CaImAn/pkg/noise"
	"github.com/trose-neuro/CaImAn/pkg/spatial"
	"github.com/trose-neuro/CaImAn/pkg/temporal"
)

// ProgressCallback is a function that reports progress during processing
type ProgressCallback func(completed, total int, message string)

// Pipeline runs the factorization with one configuration.
type Pipeline struct {
	// cfg holds the validated configuration
	cfg *config.Config

	// state is the most recent snapshot; every pass swaps in a new one
	state *State

	metrics Metrics

	progressCallback ProgressCallback
}

// New validates cfg and returns a pipeline for it. A ValidationError is
// returned for any option outside its range.
func New(cfg *config.Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Pipeline{cfg: cfg}, nil
}

// SetProgressCallback sets a callback function for progress reporting
func (p *Pipeline) SetProgressCallback(callback ProgressCallback) {
	p.progressCallback = callback
}

// reportProgress calls the progress callback if set, otherwise prints to
// stdout when verbose output is enabled
func (p *Pipeline) reportProgress(completed, total int, message string) {
	if p.progressCallback != nil {
		p.progressCallback(completed, total, message)
		return
	}
	if !p.cfg.Output.Verbose {
		return
	}
	if total == 0 {
		// This is just an informational message, not a progress update
		fmt.Println(message)
		return
	}

	const width = 40
	done := completed * width / total
	bar := strings.Repeat("█", done) + strings.Repeat("░", width-done)
	fmt.Printf("\r[%s] %d/%d %s", bar, completed, total, message)
	if completed == total {
		fmt.Println()
	}
}

// Process runs the complete pipeline on movie
func (p *Pipeline) Process(movie matrix.Movie) error {
	if err := matrix.CheckShape(movie, p.cfg.Movie.Height, p.cfg.Movie.Width, p.cfg.Movie.Frames); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	// Step 1: Noise levels
	p.reportProgress(0, 0, "Step 1: Estimating pixel noise levels...")
	sn := noise.PixelNoise(movie, p.noiseOptions())
	if err := readErr(movie); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	// Step 2: Initialization
	p.reportProgress(0, 0, "Step 2: Initializing components...")
	seeded, err := initialization.Initialize(movie, initialization.OptionsFromConfig(p.cfg))
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	p.state = &State{
		A:          seeded.A,
		C:          seeded.C,
		B:          seeded.B,
		F:          seeded.F,
		Components: seeded.Components,
		Noise:      sn,
	}
	p.reportProgress(0, 0, fmt.Sprintf("Initialized %d components", p.state.K()))

	// Step 3: Alternating updates
	rounds := p.cfg.Processing.OuterIterations
	for i := 0; i < rounds; i++ {
		next, err := p.Iterate(movie, p.state)
		if err != nil {
			return fmt.Errorf("iteration %d: %w", i+1, err)
		}
		p.state = next
		p.reportProgress(i+1, rounds, fmt.Sprintf("Step 3: Refining components (%d remain)", next.K()))
	}

	// Step 4: Metrics
	p.reportProgress(0, 0, "Step 4: Calculating fit metrics...")
	p.metrics = computeMetrics(movie, p.state)
	if err := readErr(movie); err != nil {
		p.state = nil
		return fmt.Errorf("pipeline: %w", err)
	}
	return nil
}

// readErr reports a read failure recorded by a file-backed movie.
func readErr(movie matrix.Movie) error {
	if m, ok := movie.(interface{ Err() error }); ok {
		if err := m.Err(); err != nil {
			return fmt.Errorf("failed to read movie: %w", err)
		}
	}
	return nil
}

// Iterate runs one round of spatial update, temporal update and merge on st
// and returns the resulting State. st is not modified.
func (p *Pipeline) Iterate(movie matrix.Movie, st *State) (*State, error) {
	next, err := p.updateSpatial(movie, st)
	if err != nil {
		return nil, err
	}
	next, _ = next.Cleanup()

	next, err = p.updateTemporal(movie, next)
	if err != nil {
		return nil, err
	}
	next, _ = next.Cleanup()

	return p.merge(next)
}

func (p *Pipeline) noiseOptions() noise.Options {
	return noise.Options{
		Band:    p.cfg.Noise.Band,
		Method:  noise.Method(p.cfg.Noise.Method),
		Window:  p.cfg.Noise.Window,
		Workers: p.cfg.Processing.NumCores,
	}
}

func (p *Pipeline) updateSpatial(movie matrix.Movie, st *State) (*State, error) {
	res, err := spatial.Update(movie, st.A, st.C, st.F, st.Noise, spatial.OptionsFromConfig(p.cfg))
	if err != nil {
		return nil, fmt.Errorf("spatial update failed: %w", err)
	}
	if res.FailedPixels > 0 {
		p.reportProgress(0, 0, fmt.Sprintf("Warning: %d pixels fell back to zero weights", res.FailedPixels))
	}

	next := st.Clone()
	next.A = res.A
	next.C = res.C
	next.B = res.B
	for j := range next.Components {
		next.Components[j].Status = res.Status[j]
	}
	return next, nil
}

func (p *Pipeline) updateTemporal(movie matrix.Movie, st *State) (*State, error) {
	res, err := temporal.Update(movie, st.A, st.B, st.C, st.F, st.Components, temporal.OptionsFromConfig(p.cfg))
	if err != nil {
		return nil, fmt.Errorf("temporal update failed: %w", err)
	}

	next := st.Clone()
	next.C = res.C
	next.S = res.S
	next.F = res.F
	next.Residual = res.Residual
	next.Components = res.Components
	for j := range next.Components {
		// A footprint failure from the spatial pass outlives a clean trace
		next.Components[j].Status = st.Components[j].Status.Worse(res.Status[j])
	}
	return next, nil
}

func (p *Pipeline) merge(st *State) (*State, error) {
	if st.K() < 2 {
		return st, nil
	}
	res, err := merge.Merge(st.Residual, st.A, st.C, st.S, st.Components, merge.OptionsFromConfig(p.cfg))
	if err != nil {
		return nil, fmt.Errorf("merge failed: %w", err)
	}
	if res.Record.Len() == 0 {
		return st, nil
	}
	p.reportProgress(0, 0, fmt.Sprintf("Merged %d groups of components", res.Record.Len()))

	next := st.Clone()
	next.A = res.A
	next.C = res.C
	next.S = res.S
	next.Components = res.Components
	next.Merges = append(next.Merges, res.Record)
	return next, nil
}

// State returns the current factorization, nil before Process
func (p *Pipeline) State() *State {
	return p.state
}

// Metrics returns the fit metrics of the last Process call
func (p *Pipeline) Metrics() Metrics {
	return p.metrics
}
