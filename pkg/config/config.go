// Package config provides configuration loading and management for the CNMF
// source extraction pipeline. It handles loading configuration from YAML files,
// provides default values and validates option ranges before any work begins.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Neighborhood shapes for the spatial support test of the Spatial Solver.
const (
	MethodEllipse   = "ellipse"
	MethodRectangle = "rectangle"
	MethodDilate    = "dilate"
)

// Noise averaging methods over the in-band power spectral density.
const (
	NoiseMean    = "mean"
	NoiseMedian  = "median"
	NoiseLogMExp = "logmexp"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Movie geometry
	Movie struct {
		// Height and Width are the frame dimensions (d1, d2)
		Height int `yaml:"height"`
		Width  int `yaml:"width"`

		// Frames is the number of time samples T
		Frames int `yaml:"frames"`
	} `yaml:"movie"`

	// Component initialization parameters
	Init struct {
		// Components is the maximum number of neurons K to seed
		Components int `yaml:"components"`

		// GSig is the half-size of a neuron (Gaussian blur sigma) in pixels
		GSig [2]float64 `yaml:"gSig"`

		// GSiz is the patch size carved around each candidate center
		GSiz [2]int `yaml:"gSiz"`

		// NIter is the number of rank-1 refinement iterations per patch
		NIter int `yaml:"nIter"`

		// MaxIter is the number of HALS passes after the greedy seeding
		MaxIter int `yaml:"maxIter"`

		// Background is the number of background components nb
		Background int `yaml:"background"`

		// MinPixels is the minimum number of pixels a patch must have
		MinPixels int `yaml:"minPixels"`
	} `yaml:"init"`

	// Noise estimation parameters
	Noise struct {
		// Band is the frequency range [lo, hi] as fractions of Nyquist
		Band [2]float64 `yaml:"band"`

		// Method is one of mean, median, logmexp
		Method string `yaml:"method"`

		// Window is the requested Welch segment length
		Window int `yaml:"window"`

		// Lags is the number of autocovariance lags used for the AR fit
		Lags int `yaml:"lags"`
	} `yaml:"noise"`

	// Spatial update parameters
	Spatial struct {
		// Method is the neighborhood shape: ellipse, rectangle or dilate
		Method string `yaml:"method"`

		// Dist scales the neighborhood axes
		Dist float64 `yaml:"dist"`

		// MinSize and MaxSize clamp the neighborhood half-axes in pixels
		MinSize float64 `yaml:"minSize"`
		MaxSize float64 `yaml:"maxSize"`

		// PixelsPerWorker is the size of the pixel chunk handed to one worker
		PixelsPerWorker int `yaml:"pixelsPerWorker"`
	} `yaml:"spatial"`

	// Temporal update parameters
	Temporal struct {
		// P is the autoregressive order
		P int `yaml:"p"`

		// Iterations is the number of block-coordinate sweeps (ITER)
		Iterations int `yaml:"iterations"`

		// BaselineNonNeg constrains the baseline to be non-negative
		BaselineNonNeg bool `yaml:"baselineNonNeg"`

		// FudgeFactor shrinks the estimated AR roots
		FudgeFactor float64 `yaml:"fudgeFactor"`

		// Seed seeds the randomized update-order scheduler
		Seed uint32 `yaml:"seed"`
	} `yaml:"temporal"`

	// Merge parameters
	Merge struct {
		// SpatialThr is the footprint overlap a pair must exceed
		SpatialThr float64 `yaml:"spatialThr"`

		// TemporalThr is the trace correlation a pair must reach
		TemporalThr float64 `yaml:"temporalThr"`

		// MaxMerges caps the number of merge groups per call (mx)
		MaxMerges int `yaml:"maxMerges"`
	} `yaml:"merge"`

	// Processing parameters
	Processing struct {
		// NumCores specifies how many CPU cores to use for parallel processing
		NumCores int `yaml:"numCores"`

		// OuterIterations is the number of spatial/temporal/merge rounds
		OuterIterations int `yaml:"outerIterations"`
	} `yaml:"processing"`

	// Output parameters
	Output struct {
		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`

		// ResultFile is where the factorization is exported (gob + zstd)
		ResultFile string `yaml:"resultFile"`

		// OverlayFile is an optional PNG with contours over the correlation image
		OverlayFile string `yaml:"overlayFile"`

		// ContourThreshold is the retained footprint energy for contours
		ContourThreshold float64 `yaml:"contourThreshold"`
	} `yaml:"output"`
}

// ValidationError reports an option outside its valid range. It is fatal and
// raised before any solve starts.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Reason)
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Init.Components = 30
	cfg.Init.GSig = [2]float64{7, 7}
	cfg.Init.GSiz = [2]int{15, 15}
	cfg.Init.NIter = 5
	cfg.Init.MaxIter = 5
	cfg.Init.Background = 1
	cfg.Init.MinPixels = 4

	// [0.5, 1.0] of Nyquist is 0.25-0.5 cycles per frame
	cfg.Noise.Band = [2]float64{0.5, 1.0}
	cfg.Noise.Method = NoiseLogMExp
	cfg.Noise.Window = 256
	cfg.Noise.Lags = 5

	cfg.Spatial.Method = MethodEllipse
	cfg.Spatial.Dist = 3
	cfg.Spatial.MinSize = 3
	cfg.Spatial.MaxSize = 8
	cfg.Spatial.PixelsPerWorker = 128

	cfg.Temporal.P = 2
	cfg.Temporal.Iterations = 2
	cfg.Temporal.BaselineNonNeg = true
	cfg.Temporal.FudgeFactor = 1
	cfg.Temporal.Seed = 1

	cfg.Merge.SpatialThr = 0
	cfg.Merge.TemporalThr = 0.8
	cfg.Merge.MaxMerges = 50

	cfg.Processing.NumCores = runtime.NumCPU() // Use all available cores by default
	cfg.Processing.OuterIterations = 2

	cfg.Output.Verbose = true
	cfg.Output.ContourThreshold = 0.9

	return cfg
}

// Validate checks every option range. The first violation is returned as a
// *ValidationError.
func (c *Config) Validate() error {
	check := func(ok bool, field, reason string) error {
		if ok {
			return nil
		}
		return &ValidationError{Field: field, Reason: reason}
	}
	unit := func(v float64) bool { return v >= 0 && v <= 1 }

	checks := []error{
		check(c.Movie.Height >= 0 && c.Movie.Width >= 0 && c.Movie.Frames >= 0, "movie", "dimensions must be non-negative"),
		check(c.Init.Components >= 0, "init.components", "must be non-negative"),
		check(c.Init.GSig[0] > 0 && c.Init.GSig[1] > 0, "init.gSig", "must be positive"),
		check(c.Init.GSiz[0] > 0 && c.Init.GSiz[1] > 0, "init.gSiz", "must be positive"),
		check(c.Init.NIter > 0, "init.nIter", "must be positive"),
		check(c.Init.MaxIter >= 0, "init.maxIter", "must be non-negative"),
		check(c.Init.Background >= 0, "init.background", "must be non-negative"),
		check(c.Init.MinPixels >= 1, "init.minPixels", "must be at least 1"),
		check(unit(c.Noise.Band[0]) && unit(c.Noise.Band[1]) && c.Noise.Band[0] < c.Noise.Band[1], "noise.band", "must satisfy 0 <= lo < hi <= 1"),
		check(c.Noise.Method == NoiseMean || c.Noise.Method == NoiseMedian || c.Noise.Method == NoiseLogMExp, "noise.method", "must be mean, median or logmexp"),
		check(c.Noise.Window >= 4, "noise.window", "must be at least 4"),
		check(c.Noise.Lags >= 1, "noise.lags", "must be positive"),
		check(c.Spatial.Method == MethodEllipse || c.Spatial.Method == MethodRectangle || c.Spatial.Method == MethodDilate, "spatial.method", "must be ellipse, rectangle or dilate"),
		check(c.Spatial.Dist > 0, "spatial.dist", "must be positive"),
		check(c.Spatial.MinSize > 0 && c.Spatial.MaxSize >= c.Spatial.MinSize, "spatial.minSize/maxSize", "must satisfy 0 < minSize <= maxSize"),
		check(c.Spatial.PixelsPerWorker > 0, "spatial.pixelsPerWorker", "must be positive"),
		check(c.Temporal.P >= 0 && c.Temporal.P <= 8, "temporal.p", "must be in [0, 8]"),
		check(c.Temporal.Iterations > 0, "temporal.iterations", "must be positive"),
		check(c.Temporal.FudgeFactor > 0 && c.Temporal.FudgeFactor <= 1, "temporal.fudgeFactor", "must be in (0, 1]"),
		check(unit(c.Merge.SpatialThr), "merge.spatialThr", "must be in [0, 1]"),
		check(unit(c.Merge.TemporalThr), "merge.temporalThr", "must be in [0, 1]"),
		check(c.Merge.MaxMerges >= 0, "merge.maxMerges", "must be non-negative"),
		check(c.Processing.NumCores > 0, "processing.numCores", "must be positive"),
		check(c.Processing.OuterIterations > 0, "processing.outerIterations", "must be positive"),
		check(unit(c.Output.ContourThreshold), "output.contourThreshold", "must be in [0, 1]"),
	}
	return firstNonNil(checks)
}

func firstNonNil(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
