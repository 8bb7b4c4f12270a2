package analysis

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/trose-neuro/CaImAn/pkg/matrix"
)

// OrderComponents returns the component indices sorted by decreasing
// ||a_k||_4 * max(C_k), which favours compact bright components over
// diffuse ones. Ties keep index order.
func OrderComponents(a matrix.Matrix, c *mat.Dense) []int {
	_, k := a.Dims()
	score := make([]float64, k)
	for j := 0; j < k; j++ {
		_, vals := a.Col(j)
		var s float64
		for _, v := range vals {
			s += v * v * v * v
		}
		peak := 0.0
		if row := c.RawRowView(j); len(row) > 0 {
			peak = floats.Max(row)
		}
		score[j] = math.Pow(s, 0.25) * peak
	}
	order := make([]int, k)
	for j := range order {
		order[j] = j
	}
	sort.SliceStable(order, func(x, y int) bool { return score[order[x]] > score[order[y]] })
	return order
}
