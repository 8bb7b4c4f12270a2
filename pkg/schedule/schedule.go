// Package schedule orders component updates into batches that can run in
// parallel. Two components conflict when their footprints overlap; a batch
// never holds two conflicting components.
package schedule

import (
	"sort"

	"github.com/valyala/fastrand"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"

	"github.com/trose-neuro/CaImAn/pkg/matrix"
)

// ConflictGraph builds the graph whose nodes are the columns of a and whose
// edges join columns with overlapping support.
func ConflictGraph(a matrix.Matrix) *simple.UndirectedGraph {
	g := simple.NewUndirectedGraph()
	_, k := a.Dims()
	for i := 0; i < k; i++ {
		g.AddNode(simple.Node(i))
	}
	gram := matrix.Cross(a, a)
	for i := 0; i < k; i++ {
		for j := i + 1; j < k; j++ {
			if gram.At(i, j) > 0 {
				g.SetEdge(simple.Edge{F: simple.Node(i), T: simple.Node(j)})
			}
		}
	}
	return g
}

// UpdateOrder partitions the components of a into batches of mutually
// non-overlapping components. Each round takes an approximate vertex cover of
// the remaining conflict graph; the vertices outside the cover form a batch
// and the cover is processed in the next round. Batches are returned in
// reverse discovery order, each sorted.
//
// The cover is randomized; seed makes the result reproducible.
func UpdateOrder(a matrix.Matrix, seed uint32) [][]int {
	var rng fastrand.RNG
	rng.Seed(seed)

	remaining := ConflictGraph(a)
	var batches [][]int
	for remaining.Nodes().Len() > 0 {
		cover := vertexCover(clone(remaining), &rng)

		var batch []int
		for _, n := range graph.NodesOf(remaining.Nodes()) {
			if !cover[n.ID()] {
				batch = append(batch, int(n.ID()))
			}
		}
		sort.Ints(batch)
		batches = append(batches, batch)

		for _, id := range batch {
			remaining.RemoveNode(int64(id))
		}
	}

	for i, j := 0, len(batches)-1; i < j; i, j = i+1, j-1 {
		batches[i], batches[j] = batches[j], batches[i]
	}
	return batches
}

// clone copies g so the cover search can consume it.
func clone(g *simple.UndirectedGraph) *simple.UndirectedGraph {
	out := simple.NewUndirectedGraph()
	graph.Copy(out, g)
	return out
}

// vertexCover repeatedly picks an endpoint of a random remaining edge, weighted
// by degree, adds it to the cover and deletes its edges. g is consumed.
func vertexCover(g *simple.UndirectedGraph, rng *fastrand.RNG) map[int64]bool {
	cover := make(map[int64]bool)
	for {
		ends := endpoints(g)
		if len(ends) == 0 {
			return cover
		}
		u := ends[rng.Uint32n(uint32(len(ends)))]
		cover[u] = true
		g.RemoveNode(u)
	}
}

// endpoints lists both endpoints of every edge in a stable order.
func endpoints(g *simple.UndirectedGraph) []int64 {
	edges := graph.EdgesOf(g.Edges())
	out := make([]int64, 0, 2*len(edges))
	for _, e := range edges {
		out = append(out, e.From().ID(), e.To().ID())
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
