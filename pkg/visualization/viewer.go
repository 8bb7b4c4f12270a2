package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/lucasb-eyer/go-colorful"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/trose-neuro/CaImAn/pkg/analysis"
	"github.com/trose-neuro/CaImAn/pkg/matrix"
)

// Viewer renders a summary image of the field of view with component
// outlines drawn on top.
type Viewer struct {
	// summary holds one value per pixel, row-major
	summary []float64

	// dimensions of the frame
	width  int
	height int

	// scale is the number of output pixels per frame pixel
	scale int
}

// NewViewer creates a viewer for a height x width summary image such as the
// local correlation image. scale enlarges the output so that contours stay
// legible on small frames.
func NewViewer(summary *mat.Dense, scale int) *Viewer {
	h, w := summary.Dims()
	data := make([]float64, 0, h*w)
	for r := 0; r < h; r++ {
		data = append(data, summary.RawRowView(r)...)
	}
	return &Viewer{summary: data, width: w, height: h, scale: max(scale, 1)}
}

// Background returns the summary image as grayscale, stretched between its
// minimum and maximum.
func (v *Viewer) Background() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, v.width*v.scale, v.height*v.scale))
	lo, hi := floats.Min(v.summary), floats.Max(v.summary)
	span := hi - lo
	for y := 0; y < v.height; y++ {
		for x := 0; x < v.width; x++ {
			value := 0.0
			if span > 0 {
				value = (v.summary[y*v.width+x] - lo) / span
			}
			g := uint8(math.Max(0, math.Min(255, value*255)))
			c := color.RGBA{R: g, G: g, B: g, A: 255}
			for dy := 0; dy < v.scale; dy++ {
				for dx := 0; dx < v.scale; dx++ {
					img.SetRGBA(x*v.scale+dx, y*v.scale+dy, c)
				}
			}
		}
	}
	return img
}

// Palette returns n colors with evenly spaced hues at equal lightness.
func Palette(n int) []colorful.Color {
	out := make([]colorful.Color, n)
	for i := range out {
		out[i] = colorful.Hcl(360*float64(i)/float64(max(n, 1)), 0.8, 0.65).Clamped()
	}
	return out
}

// Overlay draws every contour over the background, one palette color per
// component.
func (v *Viewer) Overlay(contours []analysis.Contour) *image.RGBA {
	img := v.Background()
	palette := Palette(len(contours))
	for i, c := range contours {
		n := len(c.Points)
		for k := 0; k < n; k++ {
			v.line(img, c.Points[k], c.Points[(k+1)%n], palette[i])
		}
	}
	return img
}

// Footprint renders column j of a as a grayscale image normalized to its
// peak.
func (v *Viewer) Footprint(a matrix.Matrix, j int) (image.Image, error) {
	d, k := a.Dims()
	if d != v.width*v.height {
		return nil, fmt.Errorf("footprints have %d pixels, frame has %d", d, v.width*v.height)
	}
	if j < 0 || j >= k {
		return nil, fmt.Errorf("component %d out of range [0, %d)", j, k)
	}
	img := image.NewGray16(image.Rect(0, 0, v.width, v.height))
	rows, vals := a.Col(j)
	peak := 0.0
	if len(vals) > 0 {
		peak = floats.Max(vals)
	}
	if peak <= 0 {
		return img, nil
	}
	for n, p := range rows {
		value := uint16(math.Max(0, math.Min(65535, vals[n]/peak*65535)))
		img.SetGray16(p%v.width, p/v.width, color.Gray16{Y: value})
	}
	return img, nil
}

// line draws a segment between two contour vertices given in frame pixel
// coordinates.
func (v *Viewer) line(img *image.RGBA, p, q analysis.Point, c color.Color) {
	s := float64(v.scale)
	x0, y0 := int(math.Round((p.Col+0.5)*s)), int(math.Round((p.Row+0.5)*s))
	x1, y1 := int(math.Round((q.Col+0.5)*s)), int(math.Round((q.Row+0.5)*s))

	dx, dy := abs(x1-x0), -abs(y1-y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	err := dx + dy
	for {
		img.Set(x0, y0, c)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x0 += sx
		}
		if e2 <= dx {
			err += dx
			y0 += sy
		}
	}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// SaveImage saves an image as PNG, or as JPEG when the name ends in .jpg or
// .jpeg
func (v *Viewer) SaveImage(img image.Image, filename string) error {
	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
	default:
		return png.Encode(file, img)
	}
}

// SaveFootprints renders every footprint of a into outputDir
func (v *Viewer) SaveFootprints(a matrix.Matrix, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}
	_, k := a.Dims()
	for j := 0; j < k; j++ {
		img, err := v.Footprint(a, j)
		if err != nil {
			return err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("component_%03d.png", j))
		if err := v.SaveImage(img, filename); err != nil {
			return err
		}
	}
	return nil
}
