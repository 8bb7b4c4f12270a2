// Package analysis holds the routines applied to a finished factorization:
// summary images, normalized traces, component geometry and ordering.
package analysis

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/trose-neuro/CaImAn/pkg/matrix"
)

// LocalCorrelations returns the height x width image holding, for every
// pixel, the mean correlation of its trace with those of its 4 (or 8)
// neighbours. Flat traces correlate with nothing.
func LocalCorrelations(movie matrix.Movie, height, width int, eight bool) (*mat.Dense, error) {
	if err := matrix.CheckShape(movie, height, width, 0); err != nil {
		return nil, fmt.Errorf("local correlations: %w", err)
	}
	d, frames := movie.Dims()

	// z-score every pixel once
	z := make([][]float64, d)
	for p := 0; p < d; p++ {
		row := movie.Row(p, nil)
		mean, std := stat.PopMeanStdDev(row, nil)
		if std == 0 || frames == 0 {
			continue
		}
		floats.AddConst(-mean, row)
		floats.Scale(1/std, row)
		z[p] = row
	}

	offsets := [][2]int{{-1, 0}, {1, 0}, {0, -1}, {0, 1}}
	if eight {
		offsets = append(offsets, [2]int{-1, -1}, [2]int{-1, 1}, [2]int{1, -1}, [2]int{1, 1})
	}

	out := mat.NewDense(height, width, nil)
	for r := 0; r < height; r++ {
		for c := 0; c < width; c++ {
			var sum float64
			var n int
			for _, o := range offsets {
				rr, cc := r+o[0], c+o[1]
				if rr < 0 || rr >= height || cc < 0 || cc >= width {
					continue
				}
				n++
				zp, zq := z[r*width+c], z[rr*width+cc]
				if zp == nil || zq == nil {
					continue
				}
				sum += floats.Dot(zp, zq) / float64(frames)
			}
			if n > 0 {
				out.Set(r, c, sum/float64(n))
			}
		}
	}
	return out, nil
}
