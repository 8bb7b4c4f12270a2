package analysis

import (
	"image"
	"math"
	"sort"

	"github.com/trose-neuro/CaImAn/pkg/matrix"
)

// CenterOfMass returns the weighted (row, col) center of every footprint.
// Empty footprints get NaN coordinates.
func CenterOfMass(a matrix.Matrix, width int) [][2]float64 {
	_, k := a.Dims()
	out := make([][2]float64, k)
	for j := 0; j < k; j++ {
		rows, vals := a.Col(j)
		var sum, r, c float64
		for n, p := range rows {
			sum += vals[n]
			r += vals[n] * float64(p/width)
			c += vals[n] * float64(p%width)
		}
		if sum == 0 {
			out[j] = [2]float64{math.NaN(), math.NaN()}
			continue
		}
		out[j] = [2]float64{r / sum, c / sum}
	}
	return out
}

// Point is a contour vertex in pixel coordinates.
type Point struct {
	Row, Col float64
}

// Contour outlines one footprint.
type Contour struct {
	ID int

	// Points is a closed polygon; the last vertex connects to the first
	Points []Point

	// Bounds covers the retained pixels, Max exclusive (X is the column)
	Bounds image.Rectangle

	Center [2]float64
}

// Contours outlines the pixels of each footprint that together hold the
// fraction thr of its energy (sum of squares), largest values first.
func Contours(a matrix.Matrix, height, width int, thr float64) []Contour {
	_, k := a.Dims()
	coms := CenterOfMass(a, width)
	out := make([]Contour, 0, k)
	for j := 0; j < k; j++ {
		mask := retained(a, j, height, width, thr)
		ct := Contour{ID: j, Center: coms[j]}
		if mask != nil {
			ct.Points = outline(mask, height, width)
			ct.Bounds = bounds(mask, height, width)
		}
		out = append(out, ct)
	}
	return out
}

// retained marks the largest pixels of footprint j holding thr of its energy.
func retained(a matrix.Matrix, j, height, width int, thr float64) []bool {
	rows, vals := a.Col(j)
	if len(rows) == 0 {
		return nil
	}
	order := make([]int, len(rows))
	var total float64
	for n := range order {
		order[n] = n
		total += vals[n] * vals[n]
	}
	if total == 0 {
		return nil
	}
	sort.SliceStable(order, func(x, y int) bool { return vals[order[x]] > vals[order[y]] })

	mask := make([]bool, height*width)
	var acc float64
	for _, n := range order {
		mask[rows[n]] = true
		acc += vals[n] * vals[n]
		if acc >= thr*total {
			break
		}
	}
	return mask
}

func bounds(mask []bool, height, width int) image.Rectangle {
	r := image.Rectangle{Min: image.Point{X: width, Y: height}}
	for p, on := range mask {
		if !on {
			continue
		}
		row, col := p/width, p%width
		r.Min.X = min(r.Min.X, col)
		r.Min.Y = min(r.Min.Y, row)
		r.Max.X = max(r.Max.X, col+1)
		r.Max.Y = max(r.Max.Y, row+1)
	}
	return r
}

// Cell edges, named by side.
const (
	top = iota
	right
	bottom
	left
)

// segments lists, per marching-squares case, the pairs of cell sides the
// contour crosses. Corners are weighted tl=8 tr=4 br=2 bl=1; the two saddle
// cases keep diagonal pixels apart.
var segments = [16][][2]int{
	1:  {{left, bottom}},
	2:  {{bottom, right}},
	3:  {{left, right}},
	4:  {{top, right}},
	5:  {{left, bottom}, {top, right}},
	6:  {{top, bottom}},
	7:  {{left, top}},
	8:  {{left, top}},
	9:  {{top, bottom}},
	10: {{left, top}, {bottom, right}},
	11: {{top, right}},
	12: {{left, right}},
	13: {{bottom, right}},
	14: {{left, bottom}},
}

// outline runs marching squares over the mask, padded by one empty pixel,
// and returns the longest closed contour.
func outline(mask []bool, height, width int) []Point {
	at := func(r, c int) bool {
		return r >= 0 && r < height && c >= 0 && c < width && mask[r*width+c]
	}
	mid := func(r, c, side int) Point {
		switch side {
		case top:
			return Point{Row: float64(r), Col: float64(c) + 0.5}
		case bottom:
			return Point{Row: float64(r + 1), Col: float64(c) + 0.5}
		case left:
			return Point{Row: float64(r) + 0.5, Col: float64(c)}
		default:
			return Point{Row: float64(r) + 0.5, Col: float64(c + 1)}
		}
	}

	adj := make(map[Point][]Point)
	var starts []Point
	for r := -1; r < height; r++ {
		for c := -1; c < width; c++ {
			idx := 0
			if at(r, c) {
				idx |= 8
			}
			if at(r, c+1) {
				idx |= 4
			}
			if at(r+1, c+1) {
				idx |= 2
			}
			if at(r+1, c) {
				idx |= 1
			}
			for _, s := range segments[idx] {
				p, q := mid(r, c, s[0]), mid(r, c, s[1])
				adj[p] = append(adj[p], q)
				adj[q] = append(adj[q], p)
				starts = append(starts, p)
			}
		}
	}

	seen := make(map[Point]bool)
	var best []Point
	for _, s := range starts {
		if seen[s] {
			continue
		}
		loop := []Point{s}
		seen[s] = true
		prev, cur := s, s
		for {
			var next Point
			found := false
			for _, q := range adj[cur] {
				if q != prev && !seen[q] {
					next, found = q, true
					break
				}
			}
			if !found {
				break
			}
			seen[next] = true
			loop = append(loop, next)
			prev, cur = cur, next
		}
		if len(loop) > len(best) {
			best = loop
		}
	}
	return best
}

// Contains reports whether (row, col) lies inside the contour polygon.
func (c Contour) Contains(row, col float64) bool {
	in := false
	n := len(c.Points)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		pi, pj := c.Points[i], c.Points[j]
		if (pi.Row > row) != (pj.Row > row) &&
			col < (pj.Col-pi.Col)*(row-pi.Row)/(pj.Row-pi.Row)+pi.Col {
			in = !in
		}
	}
	return in
}
