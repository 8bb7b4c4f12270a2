package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"runtime"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/pbnjay/memory"

	"github.com/trose-neuro/CaImAn/pkg/analysis"
	"github.com/trose-neuro/CaImAn/pkg/config"
	"github.com/trose-neuro/CaImAn/pkg/matrix"
	"github.com/trose-neuro/CaImAn/pkg/pipeline"
	"github.com/trose-neuro/CaImAn/pkg/store"
	"github.com/trose-neuro/CaImAn/pkg/visualization"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "", "YAML configuration file (defaults are used when empty)")
	inputPath := flag.String("input", "", "Movie as raw little-endian float32, pixel-major (all frames of pixel 0 first)")
	height := flag.Int("height", 0, "Frame height in pixels (overrides the configuration)")
	width := flag.Int("width", 0, "Frame width in pixels (overrides the configuration)")
	frames := flag.Int("frames", 0, "Number of frames (overrides the configuration)")
	numCores := flag.Int("cores", runtime.NumCPU(), "Number of CPU cores to use (default: all available)")
	resultFile := flag.String("output", "", "Result file (overrides the configuration)")
	overlayFile := flag.String("overlay", "", "PNG with component contours over the correlation image")
	footprintsDir := flag.String("footprints", "", "Directory to save one image per footprint")
	writeConfig := flag.String("write-config", "", "Write the default configuration to this file and exit")
	flag.Parse()

	if *writeConfig != "" {
		if err := config.CreateDefaultConfigFile(*writeConfig); err != nil {
			log.Fatalf("Failed to write configuration: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *writeConfig)
		return
	}

	// Validate inputs
	if *inputPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(*configPath); err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
	}
	if *height > 0 {
		cfg.Movie.Height = *height
	}
	if *width > 0 {
		cfg.Movie.Width = *width
	}
	if *frames > 0 {
		cfg.Movie.Frames = *frames
	}
	cfg.Processing.NumCores = *numCores
	if *resultFile != "" {
		cfg.Output.ResultFile = *resultFile
	}
	if *overlayFile != "" {
		cfg.Output.OverlayFile = *overlayFile
	}

	pixels := cfg.Movie.Height * cfg.Movie.Width

	fmt.Println("================================")
	fmt.Println("CALCIUM IMAGING SOURCE EXTRACTION (CNMF)")
	fmt.Println("================================")

	// The movie and the full-size residuals are held in memory
	need := matrix.WorkingSet(pixels, cfg.Movie.Frames)
	total := memory.TotalMemory()
	fmt.Printf("Movie: %dx%d pixels, %d frames (%s working set, %s system memory)\n",
		cfg.Movie.Height, cfg.Movie.Width, cfg.Movie.Frames,
		datasize.ByteSize(need).HumanReadable(), datasize.ByteSize(total).HumanReadable())
	if total > 0 && need > total {
		log.Fatalf("Movie does not fit in memory: needs %s, system has %s",
			datasize.ByteSize(need).HumanReadable(), datasize.ByteSize(total).HumanReadable())
	}
	movie, err := matrix.Load(*inputPath, pixels, cfg.Movie.Frames)
	if err != nil {
		log.Fatalf("Failed to load movie: %v", err)
	}

	p, err := pipeline.New(cfg)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	fmt.Println("Starting source extraction with parallel processing...")
	startTime := time.Now()
	if err := p.Process(movie); err != nil {
		log.Fatalf("Source extraction failed: %v", err)
	}
	processingTime := time.Since(startTime)

	st := p.State()
	metrics := p.Metrics()
	fmt.Printf("\nSource extraction completed successfully in %.2f seconds!\n", processingTime.Seconds())
	fmt.Printf("Fit Metrics:\n")
	fmt.Printf("=======================================\n")
	fmt.Printf("Components: %d (%d non-converged)\n", metrics.Components, metrics.NonConverged)
	fmt.Printf("Merges: %d\n", metrics.Merged)
	fmt.Printf("Residual RMSE: %.6f\n", metrics.RMSE)
	fmt.Printf("Explained Variance: %.3f\n", metrics.ExplainedVariance)
	fmt.Printf("Mutual Information (MI): %.3f\n", metrics.MI)
	fmt.Printf("- Used %d cores for processing\n", *numCores)

	if cfg.Output.ResultFile != "" {
		if err := store.Save(cfg.Output.ResultFile, store.FromState(st, cfg.Movie.Height, cfg.Movie.Width)); err != nil {
			log.Fatalf("Failed to save results: %v", err)
		}
		fmt.Printf("Results saved to: %s\n", cfg.Output.ResultFile)
	}

	if cfg.Output.OverlayFile == "" && *footprintsDir == "" {
		return
	}

	fmt.Println("\nRendering component outlines...")
	corr, err := analysis.LocalCorrelations(movie, cfg.Movie.Height, cfg.Movie.Width, true)
	if err != nil {
		log.Fatalf("Failed to compute the correlation image: %v", err)
	}
	viewer := visualization.NewViewer(corr, 4)

	if cfg.Output.OverlayFile != "" {
		var contours []analysis.Contour
		if st.K() > 0 {
			order := analysis.OrderComponents(st.A, st.C)
			contours = analysis.Contours(st.A.Columns(order), cfg.Movie.Height, cfg.Movie.Width, cfg.Output.ContourThreshold)
		}
		if err := viewer.SaveImage(viewer.Overlay(contours), cfg.Output.OverlayFile); err != nil {
			log.Printf("Warning: Failed to save overlay: %v", err)
		} else {
			fmt.Printf("Overlay saved to: %s\n", cfg.Output.OverlayFile)
		}
	}
	if *footprintsDir != "" {
		if err := viewer.SaveFootprints(st.A, *footprintsDir); err != nil {
			log.Printf("Warning: Failed to save footprints: %v", err)
		} else {
			fmt.Printf("Footprints saved to: %s\n", *footprintsDir)
		}
	}
}
