// Package markers scores genes as cluster markers by comparing each
// cluster's expression against all remaining cells: log2 fold change for
// effect size and a tie-corrected Wilcoxon rank-sum test for significance,
// Bonferroni-corrected across every gene x cluster comparison.
package markers

import (
	"math"
	"runtime"
	"sort"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/sclabs/scrna/cluster"
	"github.com/sclabs/scrna/expr"
	"gonum.org/v1/gonum/stat/distuv"
)

// Opts are the marker thresholds. A (cluster, gene) pair is reported only
// if the gene is detected in at least MinPct of the cluster or of the
// rest, |log2 fold change| >= MinLog2FC, and the Bonferroni-adjusted
// p-value is at most Alpha.
type Opts struct {
	MinPct    float64
	MinLog2FC float64
	Alpha     float64
}

// DefaultOpts follow the common single-cell marker defaults.
var DefaultOpts = Opts{
	MinPct:    0.25,
	MinLog2FC: 0.25,
	Alpha:     0.05,
}

// Record is one significant (cluster, gene) marker.
type Record struct {
	Cluster  int
	Gene     int
	GeneName string
	Log2FC   float64 // positive = up in cluster vs rest
	P        float64
	PAdj     float64 // Bonferroni across all gene x cluster tests
	PctIn    float64 // detection fraction inside the cluster
	PctOut   float64 // detection fraction in the rest
}

// Up reports whether the marker is up-regulated in its cluster.
func (r Record) Up() bool { return r.Log2FC > 0 }

// Table holds markers per cluster, each list ranked by |log2FC|
// descending.
type Table struct {
	ByCluster [][]Record
	// Tested is the number of comparisons the Bonferroni factor used.
	Tested int
}

// Rank scores every gene against every cluster on normalized, pre-scaling
// expression. The partition must cover exactly m's cells. With fewer than
// two clusters there is no "rest" to compare against; the table is empty
// and a warning is logged.
func Rank(m *expr.Matrix, part cluster.Partition, opts Opts) (*Table, error) {
	nCells, nGenes := m.NCells(), m.NGenes()
	if len(part.Labels) != nCells {
		return nil, &expr.ConfigurationError{Param: "clusters", Detail: "partition and matrix disagree on cell count"}
	}
	if opts.Alpha <= 0 || opts.Alpha > 1 {
		return nil, &expr.ConfigurationError{Param: "alpha", Detail: "alpha must be in (0, 1]"}
	}
	if opts.MinPct < 0 || opts.MinPct > 1 {
		return nil, &expr.ConfigurationError{Param: "min-pct", Detail: "detection fraction must be in [0, 1]"}
	}
	nClusters := part.NClusters
	table := &Table{ByCluster: make([][]Record, nClusters)}
	if nClusters < 2 {
		log.Error.Printf("markers: %d cluster(s); nothing to compare against", nClusters)
		return table, nil
	}
	table.Tested = nGenes * nClusters
	sizes := part.Sizes()

	bg := m.ByGene()
	genes := m.Genes()
	perGene := make([][]Record, nGenes)
	parallelism := runtime.NumCPU()
	_ = traverse.Each(parallelism, func(job int) error {
		start := (job * nGenes) / parallelism
		limit := ((job + 1) * nGenes) / parallelism
		norm := distuv.Normal{Mu: 0, Sigma: 1}
		for g := start; g < limit; g++ {
			perGene[g] = scoreGene(bg, genes[g].Name, g, part, sizes, nCells, table.Tested, opts, norm)
		}
		return nil
	})

	for _, recs := range perGene {
		for _, r := range recs {
			table.ByCluster[r.Cluster] = append(table.ByCluster[r.Cluster], r)
		}
	}
	total := 0
	for c := range table.ByCluster {
		recs := table.ByCluster[c]
		sort.SliceStable(recs, func(a, b int) bool {
			return math.Abs(recs[a].Log2FC) > math.Abs(recs[b].Log2FC)
		})
		total += len(recs)
	}
	log.Printf("markers: %d significant markers across %d clusters", total, nClusters)
	return table, nil
}

// scoreGene tests one gene against every cluster. Expression is sparse:
// zeros are handled as one large tie group at the bottom of the ranking.
func scoreGene(bg *expr.GeneMajor, name string, g int, part cluster.Partition,
	sizes []int, nCells, nTests int, opts Opts, norm distuv.Normal) []Record {
	cellIdx, vals := bg.Range(g)
	nClusters := part.NClusters

	// Per-cluster nonzero sums and counts.
	sumIn := make([]float64, nClusters)
	nnzIn := make([]int, nClusters)
	var sumAll float64
	for i, c := range cellIdx {
		l := part.Labels[c]
		sumIn[l] += vals[i]
		nnzIn[l]++
		sumAll += vals[i]
	}
	nnzAll := len(cellIdx)

	// Rank the pooled values once. Nonzeros sorted ascending; the zeros
	// share the average rank (z+1)/2 below them.
	type rankedVal struct {
		val  float64
		cell int32
	}
	ranked := make([]rankedVal, nnzAll)
	for i := range ranked {
		ranked[i] = rankedVal{vals[i], cellIdx[i]}
	}
	sort.Slice(ranked, func(a, b int) bool { return ranked[a].val < ranked[b].val })
	nZeros := nCells - nnzAll
	avgZeroRank := float64(nZeros+1) / 2

	// Average ranks within nonzero tie groups, per-cluster rank sums,
	// and the tie-correction term sum(t^3 - t) including the zero group.
	rankSumIn := make([]float64, nClusters)
	tieTerm := float64(nZeros)*float64(nZeros)*float64(nZeros) - float64(nZeros)
	for i := 0; i < nnzAll; {
		j := i
		for j < nnzAll && ranked[j].val == ranked[i].val {
			j++
		}
		t := float64(j - i)
		tieTerm += t*t*t - t
		avgRank := float64(nZeros) + float64(i+j+1)/2
		for x := i; x < j; x++ {
			rankSumIn[part.Labels[ranked[x].cell]] += avgRank
		}
		i = j
	}

	var out []Record
	n := float64(nCells)
	for c := 0; c < nClusters; c++ {
		n1 := float64(sizes[c])
		n2 := n - n1
		if n1 == 0 || n2 == 0 {
			continue
		}
		meanIn := sumIn[c] / n1
		meanOut := (sumAll - sumIn[c]) / n2
		log2fc := math.Log2((meanIn + 1) / (meanOut + 1))
		pctIn := float64(nnzIn[c]) / n1
		pctOut := float64(nnzAll-nnzIn[c]) / n2
		if math.Max(pctIn, pctOut) < opts.MinPct || math.Abs(log2fc) < opts.MinLog2FC {
			continue
		}

		zerosIn := float64(sizes[c] - nnzIn[c])
		w := rankSumIn[c] + zerosIn*avgZeroRank
		mean := n1 * (n + 1) / 2
		variance := n1 * n2 / 12 * ((n + 1) - tieTerm/(n*(n-1)))
		p := 1.0
		if variance > 0 {
			z := (w - mean) / math.Sqrt(variance)
			p = 2 * norm.CDF(-math.Abs(z))
		}
		padj := p * float64(nTests)
		if padj > 1 {
			padj = 1
		}
		if padj > opts.Alpha {
			continue
		}
		out = append(out, Record{
			Cluster:  c,
			Gene:     g,
			GeneName: name,
			Log2FC:   log2fc,
			P:        p,
			PAdj:     padj,
			PctIn:    pctIn,
			PctOut:   pctOut,
		})
	}
	return out
}
