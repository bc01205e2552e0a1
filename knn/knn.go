// Package knn builds the undirected k-nearest-neighbor graph over a PCA
// embedding that clustering and 2D layout both consume. Neighbor queries
// use a kd-tree above a size cutoff and brute force below it, so small
// inputs avoid the tree overhead while large ones stay sub-quadratic.
package knn

import (
	"runtime"
	"sort"

	"github.com/biogo/store/kdtree"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/sclabs/scrna/expr"
	"gonum.org/v1/gonum/mat"
)

// bruteForceCutoff is the node count below which a linear scan beats
// building a kd-tree.
const bruteForceCutoff = 2048

// Graph is an undirected neighbor graph over cells 0..NNodes-1.
type Graph struct {
	// Adj[i] lists i's neighbors, ascending, without self loops. Built
	// as the union of directed k-NN edges, so len(Adj[i]) >= k only for
	// nodes that are also popular neighbors; every node has at least k
	// entries' worth of outgoing edges represented somewhere.
	Adj [][]int32
}

// NNodes returns the number of nodes.
func (g *Graph) NNodes() int { return len(g.Adj) }

// NEdges returns the number of undirected edges.
func (g *Graph) NEdges() int {
	n := 0
	for _, a := range g.Adj {
		n += len(a)
	}
	return n / 2
}

// Build connects every cell to its k nearest neighbors by Euclidean
// distance in the first dims columns of scores (dims=0 uses all columns),
// then symmetrizes by edge union.
func Build(scores *mat.Dense, dims, k int) (*Graph, error) {
	n, c := scores.Dims()
	if dims == 0 {
		dims = c
	}
	if dims < 0 || k <= 0 {
		return nil, &expr.ConfigurationError{Param: "neighbors", Detail: "dims and k must be positive"}
	}
	if dims > c {
		return nil, &expr.InsufficientDataError{Stage: "knn", Param: "dims", Requested: dims, Available: c}
	}
	if k >= n {
		return nil, &expr.InsufficientDataError{Stage: "knn", Param: "neighbors", Requested: k, Available: n - 1}
	}

	pts := make(vecPoints, n)
	for i := 0; i < n; i++ {
		vec := make([]float64, dims)
		for d := 0; d < dims; d++ {
			vec[d] = scores.At(i, d)
		}
		pts[i] = vecPoint{vec: vec, id: int32(i)}
	}

	directed := make([][]int32, n)
	var tree *kdtree.Tree
	if n > bruteForceCutoff {
		// Tree construction reorders its input, so hand it a copy and
		// keep pts indexable by cell.
		tree = kdtree.New(append(vecPoints(nil), pts...), false)
	}
	parallelism := runtime.NumCPU()
	_ = traverse.Each(parallelism, func(job int) error {
		start := (job * n) / parallelism
		limit := ((job + 1) * n) / parallelism
		for i := start; i < limit; i++ {
			if tree != nil {
				directed[i] = treeQuery(tree, pts[i], k)
			} else {
				directed[i] = bruteQuery(pts, i, k)
			}
		}
		return nil
	})

	// Symmetrize: union of directed edges, deduplicated.
	g := &Graph{Adj: make([][]int32, n)}
	for i, nbrs := range directed {
		g.Adj[i] = append(g.Adj[i], nbrs...)
		for _, j := range nbrs {
			g.Adj[j] = append(g.Adj[j], int32(i))
		}
	}
	for i := range g.Adj {
		a := g.Adj[i]
		sort.Slice(a, func(x, y int) bool { return a[x] < a[y] })
		dedup := a[:0]
		var prev int32 = -1
		for _, v := range a {
			if v != prev {
				dedup = append(dedup, v)
				prev = v
			}
		}
		g.Adj[i] = dedup
	}
	return g, nil
}

// treeQuery returns the k nearest neighbors of q, excluding q itself.
func treeQuery(tree *kdtree.Tree, q vecPoint, k int) []int32 {
	keeper := kdtree.NewNKeeper(k + 1)
	tree.NearestSet(keeper, q)
	type cand struct {
		id   int32
		dist float64
	}
	cands := make([]cand, 0, k+1)
	for _, cd := range keeper.Heap {
		p, ok := cd.Comparable.(vecPoint)
		if !ok || p.id == q.id {
			continue
		}
		cands = append(cands, cand{p.id, cd.Dist})
	}
	sort.Slice(cands, func(a, b int) bool {
		if cands[a].dist != cands[b].dist {
			return cands[a].dist < cands[b].dist
		}
		return cands[a].id < cands[b].id
	})
	if len(cands) > k {
		cands = cands[:k]
	}
	out := make([]int32, len(cands))
	for i, c := range cands {
		out[i] = c.id
	}
	return out
}

// bruteQuery keeps a bounded sorted list of the k closest points to
// pts[i], linear in the input.
func bruteQuery(pts vecPoints, i, k int) []int32 {
	type cand struct {
		id   int32
		dist float64
	}
	nbrs := make([]cand, 0, k+1)
	for j := range pts {
		if j == i {
			continue
		}
		d := pts[i].Distance(pts[j])
		if len(nbrs) == k && d >= nbrs[k-1].dist {
			continue
		}
		pos := sort.Search(len(nbrs), func(x int) bool {
			if nbrs[x].dist != d {
				return nbrs[x].dist > d
			}
			return nbrs[x].id > int32(j)
		})
		nbrs = append(nbrs, cand{})
		copy(nbrs[pos+1:], nbrs[pos:])
		nbrs[pos] = cand{int32(j), d}
		if len(nbrs) > k {
			nbrs = nbrs[:k]
		}
	}
	out := make([]int32, len(nbrs))
	for x, c := range nbrs {
		out[x] = c.id
	}
	return out
}

// SuggestDims reports an advisory elbow cut: the first component whose
// explained-variance share falls below ratio times its predecessor's. The
// second return is false when no such drop exists, which callers should
// log as an ambiguous elbow rather than act on.
func SuggestDims(explained []float64, ratio float64) (int, bool) {
	for i := 1; i < len(explained); i++ {
		if explained[i-1] > 0 && explained[i] < ratio*explained[i-1] {
			return i, true
		}
	}
	log.Debug.Printf("knn: no variance drop below ratio %.3f across %d components", ratio, len(explained))
	return len(explained), false
}
