// Package cluster partitions a neighbor graph into communities by Louvain
// modularity optimization: repeated greedy local moves followed by graph
// aggregation, with a resolution parameter scaling the null model (higher
// resolution yields more, smaller clusters).
package cluster

import (
	"math/rand"

	"github.com/grailbio/base/log"
	"github.com/sclabs/scrna/expr"
	"github.com/sclabs/scrna/knn"
)

// maxLevels bounds the aggregation recursion; real data converges in a
// handful of levels.
const maxLevels = 32

// Partition is a total, disjoint assignment of cells to clusters. Labels
// are dense integers 0..NClusters-1 in order of first appearance over the
// cell sequence; the numbers carry no meaning beyond identity.
type Partition struct {
	Labels    []int
	NClusters int
}

// Sizes returns the number of cells per cluster.
func (p Partition) Sizes() []int {
	sizes := make([]int, p.NClusters)
	for _, l := range p.Labels {
		sizes[l]++
	}
	return sizes
}

// Louvain clusters the graph. The same seed and input always yield the
// same partition: node visit order is the only randomized choice and is
// drawn from a private generator seeded here.
func Louvain(g *knn.Graph, resolution float64, seed int64) (Partition, error) {
	if resolution <= 0 {
		return Partition{}, &expr.ConfigurationError{Param: "resolution", Detail: "resolution must be positive"}
	}
	n := g.NNodes()
	if n == 0 {
		return Partition{}, &expr.EmptyResultError{Stage: "cluster", Detail: "empty graph"}
	}
	rng := rand.New(rand.NewSource(seed))

	// Level-0 working graph: unit weights, no self loops.
	lg := &levelGraph{
		nbr:    make([][]int32, n),
		wgt:    make([][]float64, n),
		self:   make([]float64, n),
		degree: make([]float64, n),
	}
	for i, adj := range g.Adj {
		lg.nbr[i] = adj
		w := make([]float64, len(adj))
		for x := range w {
			w[x] = 1
		}
		lg.wgt[i] = w
		lg.degree[i] = float64(len(adj))
	}

	// assignment[i] is node i's cluster in the original graph; levels of
	// aggregation compose through it.
	assignment := make([]int, n)
	for i := range assignment {
		assignment[i] = i
	}

	for level := 0; level < maxLevels; level++ {
		comm, improved := lg.localMove(resolution, rng)
		if !improved && level > 0 {
			break
		}
		comm = renumber(comm)
		for i := range assignment {
			assignment[i] = comm[assignment[i]]
		}
		next := lg.aggregate(comm)
		if next.n() == lg.n() {
			break
		}
		lg = next
	}

	labels := renumber(assignment)
	nClusters := 0
	for _, l := range labels {
		if l+1 > nClusters {
			nClusters = l + 1
		}
	}
	log.Printf("cluster: %d cells -> %d clusters (resolution %.2f)", n, nClusters, resolution)
	return Partition{Labels: labels, NClusters: nClusters}, nil
}

// levelGraph is one level of the aggregation hierarchy: a weighted
// undirected graph with self loops.
type levelGraph struct {
	nbr    [][]int32
	wgt    [][]float64
	self   []float64
	degree []float64 // weighted degree incl. 2*self
}

func (lg *levelGraph) n() int { return len(lg.nbr) }

func (lg *levelGraph) totalWeight2() float64 {
	var m2 float64
	for _, d := range lg.degree {
		m2 += d
	}
	return m2
}

// localMove greedily reassigns nodes to the neighbor community with the
// best modularity gain until a full pass makes no move. Returns the
// community of each node and whether anything moved.
func (lg *levelGraph) localMove(resolution float64, rng *rand.Rand) ([]int, bool) {
	n := lg.n()
	comm := make([]int, n)
	commTot := make([]float64, n)
	for i := range comm {
		comm[i] = i
		commTot[i] = lg.degree[i]
	}
	m2 := lg.totalWeight2()
	if m2 == 0 {
		return comm, false
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	rng.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })

	// weightTo accumulates edge weight from the current node to each
	// candidate community; seen lists candidates in deterministic
	// first-encounter order.
	weightTo := make(map[int]float64, 64)
	seen := make([]int, 0, 64)

	anyMoved := false
	for {
		moved := 0
		for _, i := range order {
			cur := comm[i]
			commTot[cur] -= lg.degree[i]

			for k := range weightTo {
				delete(weightTo, k)
			}
			seen = seen[:0]
			for x, j := range lg.nbr[i] {
				c := comm[j]
				if _, ok := weightTo[c]; !ok {
					seen = append(seen, c)
				}
				weightTo[c] += lg.wgt[i][x]
			}

			best, bestGain := cur, weightTo[cur]-resolution*lg.degree[i]*commTot[cur]/m2
			for _, c := range seen {
				if c == cur {
					continue
				}
				gain := weightTo[c] - resolution*lg.degree[i]*commTot[c]/m2
				if gain > bestGain {
					best, bestGain = c, gain
				}
			}
			comm[i] = best
			commTot[best] += lg.degree[i]
			if best != cur {
				moved++
			}
		}
		if moved == 0 {
			break
		}
		anyMoved = true
	}
	return comm, anyMoved
}

// aggregate collapses each community into a single node, summing edge
// weights; intra-community weight becomes a self loop.
func (lg *levelGraph) aggregate(comm []int) *levelGraph {
	nNew := 0
	for _, c := range comm {
		if c+1 > nNew {
			nNew = c + 1
		}
	}
	next := &levelGraph{
		nbr:    make([][]int32, nNew),
		wgt:    make([][]float64, nNew),
		self:   make([]float64, nNew),
		degree: make([]float64, nNew),
	}
	// Accumulate per new node, deterministically ordered by scanning old
	// nodes in index order.
	weightTo := make(map[int]float64, 64)
	var seen []int
	members := make([][]int, nNew)
	for i, c := range comm {
		members[c] = append(members[c], i)
	}
	for cNew := 0; cNew < nNew; cNew++ {
		for k := range weightTo {
			delete(weightTo, k)
		}
		seen = seen[:0]
		self := 0.0
		for _, i := range members[cNew] {
			self += lg.self[i]
			for x, j := range lg.nbr[i] {
				cj := comm[j]
				if cj == cNew {
					// Counted from both endpoints; halve below.
					self += lg.wgt[i][x] / 2
					continue
				}
				if _, ok := weightTo[cj]; !ok {
					seen = append(seen, cj)
				}
				weightTo[cj] += lg.wgt[i][x]
			}
		}
		next.self[cNew] = self
		next.nbr[cNew] = make([]int32, len(seen))
		next.wgt[cNew] = make([]float64, len(seen))
		deg := 2 * self
		for x, cj := range seen {
			next.nbr[cNew][x] = int32(cj)
			next.wgt[cNew][x] = weightTo[cj]
			deg += weightTo[cj]
		}
		next.degree[cNew] = deg
	}
	return next
}

// renumber maps arbitrary labels to dense 0..k-1 in first-appearance
// order.
func renumber(labels []int) []int {
	remap := make(map[int]int, len(labels))
	out := make([]int, len(labels))
	for i, l := range labels {
		nl, ok := remap[l]
		if !ok {
			nl = len(remap)
			remap[l] = nl
		}
		out[i] = nl
	}
	return out
}
