// Package matrix provides the matrix abstraction shared by the CNMF solvers.
//
// Footprint matrices are sparse (a column touches only a neighborhood of
// pixels) while traces and backgrounds are dense. Both variants satisfy
// Matrix so that solvers are written once against the operations they need:
// matrix-vector products, column norms and per-column non-negative projection.
package matrix

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Kind tags the storage variant behind a Matrix.
type Kind int

const (
	KindDense Kind = iota
	KindSparse
)

// Matrix is the common view over dense and sparse storage.
type Matrix interface {
	// Dims returns the number of rows and columns.
	Dims() (r, c int)

	// Kind reports the storage variant.
	Kind() Kind

	// At returns the element at row i, column j.
	At(i, j int) float64

	// Col returns the row indices and values of the non-zero entries of
	// column j, in row order. The slices must not be modified.
	Col(j int) ([]int, []float64)

	// Column returns a copy of the non-zero entries of column j.
	Column(j int) []Entry

	// Rows returns the row-major view of the non-zero entries: for every row
	// the columns holding one and their values, in column order.
	Rows() (cols [][]int, vals [][]float64)

	// MulVecTo computes dst = M x. dst must have length r.
	MulVecTo(dst, x []float64)

	// MulTransVecTo computes dst = M^T y. dst must have length c.
	MulTransVecTo(dst, y []float64)

	// ColNorm returns the L2 norm of column j.
	ColNorm(j int) float64

	// ProjectNonNeg returns a copy with every negative entry set to zero.
	ProjectNonNeg() Matrix
}

// Dense is the dense variant, backed by a gonum matrix.
type Dense struct {
	*mat.Dense
}

// NewDense wraps m. The matrix is shared, not copied.
func NewDense(m *mat.Dense) Dense {
	return Dense{Dense: m}
}

func (d Dense) Kind() Kind { return KindDense }

func (d Dense) Col(j int) ([]int, []float64) {
	r, _ := d.Dims()
	var rows []int
	var vals []float64
	for i := 0; i < r; i++ {
		if v := d.At(i, j); v != 0 {
			rows = append(rows, i)
			vals = append(vals, v)
		}
	}
	return rows, vals
}

func (d Dense) Column(j int) []Entry {
	rows, vals := d.Col(j)
	out := make([]Entry, len(rows))
	for k := range rows {
		out[k] = Entry{Row: rows[k], Value: vals[k]}
	}
	return out
}

func (d Dense) Rows() (cols [][]int, vals [][]float64) {
	r, _ := d.Dims()
	cols = make([][]int, r)
	vals = make([][]float64, r)
	for i := 0; i < r; i++ {
		for j, v := range d.RawRowView(i) {
			if v != 0 {
				cols[i] = append(cols[i], j)
				vals[i] = append(vals[i], v)
			}
		}
	}
	return cols, vals
}

func (d Dense) MulVecTo(dst, x []float64) {
	r, _ := d.Dims()
	for i := 0; i < r; i++ {
		dst[i] = floats.Dot(d.RawRowView(i), x)
	}
}

func (d Dense) MulTransVecTo(dst, y []float64) {
	r, _ := d.Dims()
	for j := range dst {
		dst[j] = 0
	}
	for i := 0; i < r; i++ {
		if y[i] != 0 {
			floats.AddScaled(dst, y[i], d.RawRowView(i))
		}
	}
}

func (d Dense) ColNorm(j int) float64 {
	return mat.Norm(d.ColView(j), 2)
}

func (d Dense) ProjectNonNeg() Matrix {
	out := mat.DenseCopyOf(d.Dense)
	out.Apply(func(_, _ int, v float64) float64 { return math.Max(v, 0) }, out)
	return Dense{Dense: out}
}

// Cross returns M^T N, or nil when either matrix has no columns. Both must
// have the same number of rows.
func Cross(m, n Matrix) *mat.Dense {
	_, km := m.Dims()
	_, kn := n.Dims()
	if km == 0 || kn == 0 {
		return nil
	}
	out := mat.NewDense(km, kn, nil)
	for i := 0; i < km; i++ {
		rows, vals := m.Col(i)
		if len(rows) == 0 {
			continue
		}
		for j := 0; j < kn; j++ {
			var sum float64
			for x, p := range rows {
				if v := n.At(p, j); v != 0 {
					sum += vals[x] * v
				}
			}
			out.Set(i, j, sum)
		}
	}
	return out
}

// Overlaps reports whether columns i and j of m share a non-zero row.
func Overlaps(m Matrix, i, j int) bool {
	ri, _ := m.Col(i)
	rj, _ := m.Col(j)
	a, b := 0, 0
	for a < len(ri) && b < len(rj) {
		switch {
		case ri[a] == rj[b]:
			return true
		case ri[a] < rj[b]:
			a++
		default:
			b++
		}
	}
	return false
}

// Normalize returns m in sparse storage with unit-norm columns, together with
// the norm each column had. Columns of norm zero stay empty.
func Normalize(m Matrix) (*Sparse, []float64) {
	r, k := m.Dims()
	norms := make([]float64, k)
	cols := make([][]Entry, k)
	for j := 0; j < k; j++ {
		norms[j] = m.ColNorm(j)
		if norms[j] == 0 {
			continue
		}
		cols[j] = m.Column(j)
		for n := range cols[j] {
			cols[j][n].Value /= norms[j]
		}
	}
	return NewSparse(r, cols), norms
}

// DropRows returns a copy of m without the listed rows. A nil matrix or one
// with no remaining rows yields nil.
func DropRows(m *mat.Dense, drop map[int]bool) *mat.Dense {
	if m == nil {
		return nil
	}
	r, c := m.Dims()
	var data []float64
	kept := 0
	for i := 0; i < r; i++ {
		if drop[i] {
			continue
		}
		data = append(data, m.RawRowView(i)...)
		kept++
	}
	if kept == 0 {
		return nil
	}
	return mat.NewDense(kept, c, data)
}

// StackRows returns [top; bottom]. Either may be nil.
func StackRows(top, bottom *mat.Dense) *mat.Dense {
	switch {
	case top == nil && bottom == nil:
		return nil
	case top == nil:
		return mat.DenseCopyOf(bottom)
	case bottom == nil:
		return mat.DenseCopyOf(top)
	}
	var out mat.Dense
	out.Stack(top, bottom)
	return &out
}
