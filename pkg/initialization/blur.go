package initialization

import (
	"image"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// gaussianKernel returns a normalized 1D Gaussian of the given odd size.
func gaussianKernel(size int, sigma float64) []float64 {
	if size%2 == 0 {
		size++
	}
	k := make([]float64, size)
	half := size / 2
	for i := range k {
		x := float64(i - half)
		k[i] = math.Exp(-x * x / (2 * sigma * sigma))
	}
	floats.Scale(1/floats.Sum(k), k)
	return k
}

// blurrer applies a separable Gaussian to every frame of a pixel-major
// movie. Pixels outside the frame count as zero.
type blurrer struct {
	height, width int
	ky, kx        []float64
}

func newBlurrer(height, width int, sigma [2]float64, size [2]int) *blurrer {
	return &blurrer{
		height: height,
		width:  width,
		ky:     gaussianKernel(size[0], sigma[0]),
		kx:     gaussianKernel(size[1], sigma[1]),
	}
}

// halo is how far a change at one pixel spreads in the blurred movie.
func (b *blurrer) halo() image.Point {
	return image.Pt(len(b.kx)/2, len(b.ky)/2)
}

// bounds is the frame rectangle, X being the column.
func (b *blurrer) bounds() image.Rectangle {
	return image.Rect(0, 0, b.width, b.height)
}

// apply writes the blurred rows of src for the pixels of rect into dst.
func (b *blurrer) apply(dst, src *mat.Dense, rect image.Rectangle) {
	rect = rect.Intersect(b.bounds())
	if rect.Empty() {
		return
	}
	_, frames := src.Dims()
	hy, hx := len(b.ky)/2, len(b.kx)/2

	// Horizontal pass over the rows the vertical pass will read
	rows := image.Rect(rect.Min.X, rect.Min.Y-hy, rect.Max.X, rect.Max.Y+hy).Intersect(b.bounds())
	horiz := make(map[int][]float64, rows.Dx()*rows.Dy())
	for y := rows.Min.Y; y < rows.Max.Y; y++ {
		for x := rows.Min.X; x < rows.Max.X; x++ {
			acc := make([]float64, frames)
			for i, k := range b.kx {
				xx := x + i - hx
				if xx < 0 || xx >= b.width {
					continue
				}
				floats.AddScaled(acc, k, src.RawRowView(y*b.width+xx))
			}
			horiz[y*b.width+x] = acc
		}
	}

	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			out := dst.RawRowView(y*b.width + x)
			for t := range out {
				out[t] = 0
			}
			for i, k := range b.ky {
				yy := y + i - hy
				if yy < 0 || yy >= b.height {
					continue
				}
				floats.AddScaled(out, k, horiz[yy*b.width+x])
			}
		}
	}
}
