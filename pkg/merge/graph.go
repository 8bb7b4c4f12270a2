package merge

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/trose-neuro/CaImAn/pkg/matrix"
)

// Overlap is the share of the joint footprint mass of i and j that falls on
// pixels both footprints cover.
func Overlap(a matrix.Matrix, i, j int) float64 {
	ri, vi := a.Col(i)
	rj, vj := a.Col(j)
	var shared, union float64
	x, y := 0, 0
	for x < len(ri) || y < len(rj) {
		switch {
		case y == len(rj) || (x < len(ri) && ri[x] < rj[y]):
			union += vi[x]
			x++
		case x == len(ri) || rj[y] < ri[x]:
			union += vj[y]
			y++
		default:
			union += vi[x] + vj[y]
			shared += vi[x] + vj[y]
			x++
			y++
		}
	}
	if union == 0 {
		return 0
	}
	return shared / union
}

// pair is an edge of the merge graph.
type pair struct {
	i, j int
	corr float64
}

// Graph joins components whose footprints overlap by more than spatialThr
// and whose traces correlate by more than temporalThr.
func Graph(a matrix.Matrix, c *mat.Dense, spatialThr, temporalThr float64) (*simple.UndirectedGraph, map[[2]int]float64) {
	_, k := a.Dims()
	g := simple.NewUndirectedGraph()
	for i := 0; i < k; i++ {
		g.AddNode(simple.Node(i))
	}
	weights := make(map[[2]int]float64)
	for _, p := range candidates(a, c, spatialThr, temporalThr) {
		g.SetEdge(simple.Edge{F: simple.Node(p.i), T: simple.Node(p.j)})
		weights[[2]int{p.i, p.j}] = p.corr
	}
	return g, weights
}

func candidates(a matrix.Matrix, c *mat.Dense, spatialThr, temporalThr float64) []pair {
	_, k := a.Dims()
	var out []pair
	for i := 0; i < k; i++ {
		for j := i + 1; j < k; j++ {
			if !matrix.Overlaps(a, i, j) || Overlap(a, i, j) <= spatialThr {
				continue
			}
			r := stat.Correlation(c.RawRowView(i), c.RawRowView(j), nil)
			// Flat traces have no defined correlation
			if math.IsNaN(r) || r <= temporalThr {
				continue
			}
			out = append(out, pair{i: i, j: j, corr: r})
		}
	}
	return out
}

// Groups returns the connected components of the merge graph with more than
// one member, each sorted, ranked by their summed pairwise correlation. At
// most limit groups are returned, in increasing order of their first member.
func Groups(a matrix.Matrix, c *mat.Dense, spatialThr, temporalThr float64, limit int) [][]int {
	g, weights := Graph(a, c, spatialThr, temporalThr)

	type ranked struct {
		members []int
		score   float64
	}
	var groups []ranked
	for _, cc := range topo.ConnectedComponents(g) {
		if len(cc) < 2 {
			continue
		}
		members := make([]int, len(cc))
		for n, node := range cc {
			members[n] = int(node.ID())
		}
		sort.Ints(members)
		var score float64
		for x, i := range members {
			for _, j := range members[x+1:] {
				score += weights[[2]int{i, j}]
			}
		}
		groups = append(groups, ranked{members: members, score: score})
	}
	sort.Slice(groups, func(x, y int) bool {
		if groups[x].score != groups[y].score {
			return groups[x].score > groups[y].score
		}
		return groups[x].members[0] < groups[y].members[0]
	})
	if len(groups) > limit {
		groups = groups[:limit]
	}

	out := make([][]int, len(groups))
	for n, gr := range groups {
		out[n] = gr.members
	}
	sort.Slice(out, func(x, y int) bool { return out[x][0] < out[y][0] })
	return out
}
