package matrix

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Sparse is a compressed-sparse-column matrix. Columns are footprints, so the
// common access pattern is one column at a time.
type Sparse struct {
	rows, cols int

	// colPtr[j]..colPtr[j+1] indexes the entries of column j
	colPtr []int
	rowIdx []int
	vals   []float64
}

// Entry is one stored element of a column.
type Entry struct {
	Row   int
	Value float64
}

// NewSparse builds a rows x len(columns) matrix from per-column entries.
// Zero values are dropped and rows are sorted within each column.
func NewSparse(rows int, columns [][]Entry) *Sparse {
	s := &Sparse{rows: rows, cols: len(columns), colPtr: make([]int, len(columns)+1)}
	for j, col := range columns {
		sorted := append([]Entry(nil), col...)
		sort.Slice(sorted, func(a, b int) bool { return sorted[a].Row < sorted[b].Row })
		for _, e := range sorted {
			if e.Value == 0 {
				continue
			}
			if e.Row < 0 || e.Row >= rows {
				panic("matrix: sparse row index out of range")
			}
			s.rowIdx = append(s.rowIdx, e.Row)
			s.vals = append(s.vals, e.Value)
		}
		s.colPtr[j+1] = len(s.vals)
	}
	return s
}

func (s *Sparse) Dims() (r, c int) { return s.rows, s.cols }

func (s *Sparse) Kind() Kind { return KindSparse }

func (s *Sparse) At(i, j int) float64 {
	if i < 0 || i >= s.rows || j < 0 || j >= s.cols {
		panic(mat.ErrIndexOutOfRange)
	}
	rows := s.rowIdx[s.colPtr[j]:s.colPtr[j+1]]
	k := sort.SearchInts(rows, i)
	if k < len(rows) && rows[k] == i {
		return s.vals[s.colPtr[j]+k]
	}
	return 0
}

// Col returns the row indices and values of column j. The slices alias the
// matrix storage and must not be modified.
func (s *Sparse) Col(j int) ([]int, []float64) {
	lo, hi := s.colPtr[j], s.colPtr[j+1]
	return s.rowIdx[lo:hi], s.vals[lo:hi]
}

// Column returns a copy of column j as entries.
func (s *Sparse) Column(j int) []Entry {
	rows, vals := s.Col(j)
	out := make([]Entry, len(rows))
	for k := range rows {
		out[k] = Entry{Row: rows[k], Value: vals[k]}
	}
	return out
}

func (s *Sparse) MulVecTo(dst, x []float64) {
	for i := range dst {
		dst[i] = 0
	}
	for j := 0; j < s.cols; j++ {
		if x[j] == 0 {
			continue
		}
		rows, vals := s.Col(j)
		for k, r := range rows {
			dst[r] += vals[k] * x[j]
		}
	}
}

func (s *Sparse) MulTransVecTo(dst, y []float64) {
	for j := 0; j < s.cols; j++ {
		rows, vals := s.Col(j)
		var sum float64
		for k, r := range rows {
			sum += vals[k] * y[r]
		}
		dst[j] = sum
	}
}

func (s *Sparse) ColNorm(j int) float64 {
	_, vals := s.Col(j)
	return floats.Norm(vals, 2)
}

func (s *Sparse) ProjectNonNeg() Matrix {
	cols := make([][]Entry, s.cols)
	for j := range cols {
		rows, vals := s.Col(j)
		for k, r := range rows {
			cols[j] = append(cols[j], Entry{Row: r, Value: math.Max(vals[k], 0)})
		}
	}
	return NewSparse(s.rows, cols)
}

// Columns returns a copy of the listed columns, in order.
func (s *Sparse) Columns(idx []int) *Sparse {
	cols := make([][]Entry, len(idx))
	for n, j := range idx {
		cols[n] = s.Column(j)
	}
	return NewSparse(s.rows, cols)
}

// Rows returns the row-major view: for every row the columns holding a
// stored entry and their values, in column order.
func (s *Sparse) Rows() (cols [][]int, vals [][]float64) {
	cols = make([][]int, s.rows)
	vals = make([][]float64, s.rows)
	for j := 0; j < s.cols; j++ {
		rows, v := s.Col(j)
		for k, r := range rows {
			cols[r] = append(cols[r], j)
			vals[r] = append(vals[r], v[k])
		}
	}
	return cols, vals
}
