// Package embed produces a 2D layout of the neighbor graph for
// visualization. The layout is force-directed: neighbor-graph edges
// attract, all node pairs repel, so local neighborhood structure is
// preserved. Global geometry is NOT: absolute distances between distant
// groups in the layout are meaningless and must not be compared.
package embed

import (
	"math"
	"math/rand"
	"runtime"

	"github.com/grailbio/base/traverse"
	"github.com/sclabs/scrna/expr"
	"github.com/sclabs/scrna/knn"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// DefaultIters is the default number of layout iterations.
const DefaultIters = 100

// Layout places each graph node in the unit square. Positions are seeded
// from the first two columns of scores (the PCA embedding), with seeded
// jitter to separate coincident points, so the result is deterministic
// given the seed.
func Layout(g *knn.Graph, scores *mat.Dense, iters int, seed int64) ([][2]float64, error) {
	n := g.NNodes()
	if n == 0 {
		return nil, &expr.EmptyResultError{Stage: "embed", Detail: "empty graph"}
	}
	rows, cols := scores.Dims()
	if rows != n {
		return nil, &expr.ConfigurationError{Param: "embedding", Detail: "graph and embedding disagree on cell count"}
	}
	if cols < 1 {
		return nil, &expr.InsufficientDataError{Stage: "embed", Param: "components", Requested: 1, Available: 0}
	}
	if iters <= 0 {
		iters = DefaultIters
	}
	rng := rand.New(rand.NewSource(seed))

	pos := initialPositions(scores, rng)

	// Fruchterman-Reingold with linear cooling. The repulsion pass is
	// all-pairs; post-QC cell counts keep this tractable, and each
	// worker owns a disjoint slice of the displacement array.
	kOpt := math.Sqrt(1 / float64(n))
	disp := make([][2]float64, n)
	parallelism := runtime.NumCPU()
	for it := 0; it < iters; it++ {
		temp := 0.1 * (1 - float64(it)/float64(iters))
		_ = traverse.Each(parallelism, func(job int) error {
			start := (job * n) / parallelism
			limit := ((job + 1) * n) / parallelism
			for i := start; i < limit; i++ {
				var dx, dy float64
				for j := 0; j < n; j++ {
					if j == i {
						continue
					}
					ex, ey := pos[i][0]-pos[j][0], pos[i][1]-pos[j][1]
					d2 := ex*ex + ey*ey
					if d2 < 1e-12 {
						d2 = 1e-12
					}
					rep := kOpt * kOpt / d2
					dx += ex * rep
					dy += ey * rep
				}
				for _, j := range g.Adj[i] {
					ex, ey := pos[i][0]-pos[j][0], pos[i][1]-pos[j][1]
					d := math.Sqrt(ex*ex + ey*ey)
					if d < 1e-9 {
						continue
					}
					dx -= ex * d / kOpt
					dy -= ey * d / kOpt
				}
				disp[i] = [2]float64{dx, dy}
			}
			return nil
		})
		for i := 0; i < n; i++ {
			dx, dy := disp[i][0], disp[i][1]
			d := math.Sqrt(dx*dx + dy*dy)
			if d > temp {
				dx, dy = dx/d*temp, dy/d*temp
			}
			pos[i][0] += dx
			pos[i][1] += dy
		}
	}
	return pos, nil
}

// initialPositions maps the first two embedding columns into the unit
// square, falling back to jitter for a missing or flat second dimension.
func initialPositions(scores *mat.Dense, rng *rand.Rand) [][2]float64 {
	n, cols := scores.Dims()
	xs := make([]float64, n)
	ys := make([]float64, n)
	mat.Col(xs, 0, scores)
	if cols > 1 {
		mat.Col(ys, 1, scores)
	}
	rescale(xs)
	rescale(ys)
	pos := make([][2]float64, n)
	for i := range pos {
		pos[i] = [2]float64{
			xs[i] + rng.Float64()*1e-4,
			ys[i] + rng.Float64()*1e-4,
		}
	}
	return pos
}

// rescale maps v into [0,1]; a constant vector collapses to 0.5.
func rescale(v []float64) {
	lo, hi := floats.Min(v), floats.Max(v)
	span := hi - lo
	for i := range v {
		if span == 0 {
			v[i] = 0.5
			continue
		}
		v[i] = (v[i] - lo) / span
	}
}
