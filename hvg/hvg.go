// Package hvg selects highly variable genes from a normalized expression
// matrix using a binned, standardized dispersion score: genes are grouped
// into mean-expression bins and the dispersion (variance/mean) of each gene
// is z-scored against its bin, which keeps highly expressed housekeeping
// genes from crowding out genuinely variable ones.
package hvg

import (
	"math"
	"sort"

	"github.com/grailbio/base/log"
	"github.com/sclabs/scrna/expr"
)

// DefaultBins is the number of mean-expression bins used to standardize
// dispersions.
const DefaultBins = 20

// GeneStats holds the per-gene moments behind a selection.
type GeneStats struct {
	Mean       float64
	Variance   float64
	Dispersion float64 // variance / mean; 0 for genes never detected
	Normalized float64 // dispersion z-scored within the gene's mean bin
}

// Selection is the result of Select.
type Selection struct {
	// Indices are the selected gene indices, ascending (original gene
	// order), so downstream subsetting never reorders genes.
	Indices []int
	// Stats has one entry per input gene.
	Stats []GeneStats
}

// Select returns the k genes with the highest standardized dispersion.
// Ties are broken by original gene order. k larger than the number of
// genes clamps with a warning. nBins <= 0 uses DefaultBins.
func Select(m *expr.Matrix, k, nBins int) (Selection, error) {
	nGenes := m.NGenes()
	if k <= 0 {
		return Selection{}, &expr.ConfigurationError{Param: "features", Detail: "feature count must be positive"}
	}
	if k > nGenes {
		log.Error.Printf("hvg: requested %d features but only %d genes; clamping", k, nGenes)
		k = nGenes
	}
	if nBins <= 0 {
		nBins = DefaultBins
	}
	if nBins > nGenes {
		nBins = nGenes
	}

	stats := moments(m)

	// Equal-frequency binning by mean expression.
	order := make([]int, nGenes)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return stats[order[a]].Mean < stats[order[b]].Mean })
	for b := 0; b < nBins; b++ {
		start := (b * nGenes) / nBins
		limit := ((b + 1) * nGenes) / nBins
		if start == limit {
			continue
		}
		var sum, sumsq float64
		for _, g := range order[start:limit] {
			sum += stats[g].Dispersion
			sumsq += stats[g].Dispersion * stats[g].Dispersion
		}
		n := float64(limit - start)
		mean := sum / n
		variance := sumsq/n - mean*mean
		if variance < 0 {
			variance = 0
		}
		for _, g := range order[start:limit] {
			if variance > 0 {
				stats[g].Normalized = (stats[g].Dispersion - mean) / math.Sqrt(variance)
			}
		}
	}

	ranked := make([]int, nGenes)
	for i := range ranked {
		ranked[i] = i
	}
	sort.SliceStable(ranked, func(a, b int) bool {
		return stats[ranked[a]].Normalized > stats[ranked[b]].Normalized
	})
	selected := append([]int(nil), ranked[:k]...)
	sort.Ints(selected)
	return Selection{Indices: selected, Stats: stats}, nil
}

// Annotate returns a copy of m's gene annotations with DispersionRank set
// for the selected genes (0 = most variable) and -1 elsewhere.
func (s Selection) Annotate(m *expr.Matrix) *expr.Matrix {
	genes := make([]expr.GeneInfo, m.NGenes())
	copy(genes, m.Genes())
	for i := range genes {
		genes[i].DispersionRank = -1
	}
	ranked := append([]int(nil), s.Indices...)
	sort.SliceStable(ranked, func(a, b int) bool {
		return s.Stats[ranked[a]].Normalized > s.Stats[ranked[b]].Normalized
	})
	for rank, g := range ranked {
		genes[g].DispersionRank = rank
	}
	return m.WithGenes(genes)
}

// moments computes per-gene mean and variance over all cells, zeros
// included. Sparse entries are walked gene-major; absent entries
// contribute only to the counts.
func moments(m *expr.Matrix) []GeneStats {
	nCells := float64(m.NCells())
	stats := make([]GeneStats, m.NGenes())
	bg := m.ByGene()
	for g := range stats {
		_, vals := bg.Range(g)
		var sum, sumsq float64
		for _, v := range vals {
			sum += v
			sumsq += v * v
		}
		mean := sum / nCells
		variance := 0.0
		if nCells > 1 {
			variance = (sumsq - nCells*mean*mean) / (nCells - 1)
			if variance < 0 {
				variance = 0
			}
		}
		st := GeneStats{Mean: mean, Variance: variance}
		if mean > 0 {
			st.Dispersion = variance / mean
		}
		stats[g] = st
	}
	return stats
}
