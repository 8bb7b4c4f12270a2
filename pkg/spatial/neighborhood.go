package spatial

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/kdtree"

	"github.com/trose-neuro/CaImAn/pkg/config"
	"github.com/trose-neuro/CaImAn/pkg/matrix"
)

// Center is a component center on the frame grid, indexed by a kd-tree
type Center struct {
	Row, Col float64
	ID       int
}

// Compare implements the kdtree.Comparable interface
func (c Center) Compare(o kdtree.Comparable, d kdtree.Dim) float64 {
	q := o.(Center)
	switch d {
	case 0:
		return c.Row - q.Row
	case 1:
		return c.Col - q.Col
	default:
		panic("illegal dimension")
	}
}

// Dims returns the number of dimensions for the KD-tree
func (c Center) Dims() int { return 2 }

// Distance returns the squared Euclidean distance between two centers
func (c Center) Distance(o kdtree.Comparable) float64 {
	q := o.(Center)
	dr := c.Row - q.Row
	dc := c.Col - q.Col
	return dr*dr + dc*dc
}

// Centers is a collection of Center that satisfies kdtree.Interface
type Centers []Center

func (c Centers) Index(i int) kdtree.Comparable         { return c[i] }
func (c Centers) Len() int                              { return len(c) }
func (c Centers) Slice(start, end int) kdtree.Interface { return c[start:end] }

// Pivot implements the kdtree.Interface method
func (c Centers) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(centerPlane{Centers: c, Dim: d}, kdtree.MedianOfRandoms(centerPlane{Centers: c, Dim: d}, 100))
}

// centerPlane implements sort.Interface and kdtree.SortSlicer for Centers
type centerPlane struct {
	Centers
	kdtree.Dim
}

func (p centerPlane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.Centers[i].Row < p.Centers[j].Row
	case 1:
		return p.Centers[i].Col < p.Centers[j].Col
	default:
		panic("illegal dimension")
	}
}

func (p centerPlane) Slice(start, end int) kdtree.SortSlicer {
	return centerPlane{Centers: p.Centers[start:end], Dim: p.Dim}
}

func (p centerPlane) Swap(i, j int) {
	p.Centers[i], p.Centers[j] = p.Centers[j], p.Centers[i]
}

// Shape is the allowed support of one component.
type Shape struct {
	Center Center

	// Radius bounds the distance from Center of any contained pixel
	Radius float64

	method string

	// ellipse: unit axis directions (row, col) and half-lengths
	axes    [2][2]float64
	lengths [2]float64

	// rectangle half-widths (rows, cols)
	half [2]float64

	// dilate: explicit pixel set
	pixels map[int]bool
	width  int
}

// Contains reports whether pixel (row, col) lies in the shape.
func (s *Shape) Contains(row, col int) bool {
	dr := float64(row) - s.Center.Row
	dc := float64(col) - s.Center.Col
	switch s.method {
	case config.MethodEllipse:
		u := (dr*s.axes[0][0] + dc*s.axes[0][1]) / s.lengths[0]
		v := (dr*s.axes[1][0] + dc*s.axes[1][1]) / s.lengths[1]
		return u*u+v*v <= 1
	case config.MethodRectangle:
		return math.Abs(dr) <= s.half[0] && math.Abs(dc) <= s.half[1]
	case config.MethodDilate:
		return s.pixels[row*s.width+col]
	}
	return false
}

// ShapeOptions configure how shapes are derived from footprints.
type ShapeOptions struct {
	Method           string
	Dist             float64
	MinSize, MaxSize float64
	Height, Width    int
}

// moments returns the weighted center and covariance of footprint j. ok is
// false for an empty footprint.
func moments(a matrix.Matrix, j, width int) (center [2]float64, cov [2][2]float64, ok bool) {
	rows, vals := a.Col(j)
	var sum float64
	for k, p := range rows {
		w := math.Abs(vals[k])
		sum += w
		center[0] += w * float64(p/width)
		center[1] += w * float64(p%width)
	}
	if sum == 0 {
		return center, cov, false
	}
	center[0] /= sum
	center[1] /= sum
	for k, p := range rows {
		w := math.Abs(vals[k]) / sum
		dr := float64(p/width) - center[0]
		dc := float64(p%width) - center[1]
		cov[0][0] += w * dr * dr
		cov[0][1] += w * dr * dc
		cov[1][1] += w * dc * dc
	}
	cov[1][0] = cov[0][1]
	return center, cov, true
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

// ComputeShape derives the allowed support of footprint j. Empty footprints
// yield nil.
func ComputeShape(a matrix.Matrix, j int, opts ShapeOptions) *Shape {
	center, cov, ok := moments(a, j, opts.Width)
	if !ok {
		return nil
	}
	s := &Shape{
		Center: Center{Row: center[0], Col: center[1], ID: j},
		method: opts.Method,
		width:  opts.Width,
	}

	switch opts.Method {
	case config.MethodRectangle:
		s.half[0] = clamp(math.Sqrt(cov[0][0]), opts.MinSize, opts.MaxSize) * opts.Dist
		s.half[1] = clamp(math.Sqrt(cov[1][1]), opts.MinSize, opts.MaxSize) * opts.Dist
		s.Radius = math.Hypot(s.half[0], s.half[1])

	case config.MethodDilate:
		s.pixels = dilate(a, j, opts.Height, opts.Width, 2)
		for p := range s.pixels {
			d := math.Hypot(float64(p/opts.Width)-center[0], float64(p%opts.Width)-center[1])
			s.Radius = math.Max(s.Radius, d)
		}

	default:
		s.method = config.MethodEllipse
		sym := mat.NewSymDense(2, []float64{cov[0][0], cov[0][1], cov[1][0], cov[1][1]})
		var eig mat.EigenSym
		values := []float64{1, 1}
		vectors := mat.NewDense(2, 2, []float64{1, 0, 0, 1})
		if eig.Factorize(sym, true) {
			values = eig.Values(nil)
			eig.VectorsTo(vectors)
		}
		for i := 0; i < 2; i++ {
			s.axes[i] = [2]float64{vectors.At(0, i), vectors.At(1, i)}
			s.lengths[i] = clamp(math.Sqrt(math.Max(values[i], 0)), opts.MinSize, opts.MaxSize) * opts.Dist
			s.Radius = math.Max(s.Radius, s.lengths[i])
		}
	}
	return s
}

// dilate grows the support of footprint j by a diamond of the given radius.
func dilate(a matrix.Matrix, j, height, width, radius int) map[int]bool {
	rows, _ := a.Col(j)
	out := make(map[int]bool, len(rows)*(2*radius+1))
	for _, p := range rows {
		r, c := p/width, p%width
		for dr := -radius; dr <= radius; dr++ {
			for dc := -radius; dc <= radius; dc++ {
				if abs(dr)+abs(dc) > radius {
					continue
				}
				rr, cc := r+dr, c+dc
				if rr >= 0 && rr < height && cc >= 0 && cc < width {
					out[rr*width+cc] = true
				}
			}
		}
	}
	return out
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// Index answers which components may claim a pixel.
type Index struct {
	shapes    []*Shape
	tree      *kdtree.Tree
	maxRadius float64
	width     int
}

// NewIndex computes the shape of every column of a and indexes their centers.
func NewIndex(a matrix.Matrix, opts ShapeOptions) *Index {
	_, k := a.Dims()
	idx := &Index{shapes: make([]*Shape, k), width: opts.Width}
	var centers Centers
	for j := 0; j < k; j++ {
		s := ComputeShape(a, j, opts)
		idx.shapes[j] = s
		if s == nil {
			continue
		}
		centers = append(centers, s.Center)
		idx.maxRadius = math.Max(idx.maxRadius, s.Radius)
	}
	if len(centers) > 0 {
		idx.tree = kdtree.New(centers, false)
	}
	return idx
}

// Shape returns the shape of component j, nil when its footprint is empty.
func (idx *Index) Shape(j int) *Shape { return idx.shapes[j] }

// Candidates returns, in increasing order, the components whose shape
// contains pixel p.
func (idx *Index) Candidates(p int) []int {
	if idx.tree == nil {
		return nil
	}
	row, col := p/idx.width, p%idx.width
	q := Center{Row: float64(row), Col: float64(col)}
	keeper := kdtree.NewDistKeeper(idx.maxRadius*idx.maxRadius + 1e-9)
	idx.tree.NearestSet(keeper, q)

	var out []int
	for _, item := range keeper.Heap {
		// Skip the sentinel value
		if item.Comparable == nil {
			continue
		}
		c := item.Comparable.(Center)
		if s := idx.shapes[c.ID]; s.Contains(row, col) {
			out = append(out, c.ID)
		}
	}
	sort.Ints(out)
	return out
}
