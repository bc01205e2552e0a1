// Package qc removes low-information cells and genes from a count matrix
// by scalar thresholds, and fills in the per-cell QC metrics it computes
// along the way.
package qc

import (
	"fmt"
	"strings"

	"github.com/grailbio/base/log"
	"github.com/sclabs/scrna/expr"
)

// Opts are the quality-filter thresholds. Cell predicates are conjunctive:
// a cell survives only if it passes all of them.
type Opts struct {
	// MinGenesPerCell and MaxGenesPerCell bound the number of distinct
	// genes detected in a cell. MaxGenesPerCell <= 0 disables the upper
	// bound.
	MinGenesPerCell int
	MaxGenesPerCell int
	// MinCountsPerCell is the minimum total count per cell.
	MinCountsPerCell int
	// MaxMitoFraction is the maximum fraction of a cell's counts coming
	// from mitochondrial genes.
	MaxMitoFraction float64
	// MitoPrefix identifies mitochondrial genes by name prefix.
	MitoPrefix string
	// MinCellsPerGene is the minimum number of cells a gene must be
	// detected in, evaluated after cell filtering.
	MinCellsPerGene int
	// Subtype, when nonempty, keeps only cells whose metadata subtype
	// label matches it exactly.
	Subtype string
}

// DefaultOpts follow the usual tumor scRNA-seq defaults.
var DefaultOpts = Opts{
	MinGenesPerCell:  200,
	MaxGenesPerCell:  2500,
	MinCountsPerCell: 500,
	MaxMitoFraction:  0.05,
	MitoPrefix:       "MT-",
	MinCellsPerGene:  3,
}

// Summary counts what the filter did. Cells failing several predicates are
// attributed to the first one checked.
type Summary struct {
	CellsIn, CellsKept int
	GenesIn, GenesKept int

	DroppedSubtype   int
	DroppedLowGenes  int
	DroppedHighGenes int
	DroppedLowCount  int
	DroppedMito      int
}

// Metrics computes per-cell QC metrics and returns a matrix carrying them
// in its cell annotations. The matrix entries are shared with m.
func Metrics(m *expr.Matrix, mitoPrefix string) *expr.Matrix {
	mito := make([]bool, m.NGenes())
	for i, g := range m.Genes() {
		mito[i] = strings.HasPrefix(strings.ToUpper(g.Name), strings.ToUpper(mitoPrefix))
	}
	cells := make([]expr.CellInfo, m.NCells())
	copy(cells, m.Cells())
	for j := range cells {
		genes, vals := m.CellRange(j)
		var total, mt float64
		for i, g := range genes {
			total += vals[i]
			if mito[g] {
				mt += vals[i]
			}
		}
		cells[j].NGenes = len(genes)
		cells[j].TotalCounts = total
		if total > 0 {
			cells[j].MitoFrac = mt / total
		}
	}
	return m.WithCells(cells)
}

// Filter applies the cell predicates, then the gene predicate, preserving
// the original cell and gene order. It returns the filtered matrix (with QC
// metrics filled in) and a summary. Removing every cell or every gene is an
// expr.EmptyResultError.
func Filter(m *expr.Matrix, opts Opts) (*expr.Matrix, Summary, error) {
	m = Metrics(m, opts.MitoPrefix)
	summary := Summary{CellsIn: m.NCells(), GenesIn: m.NGenes()}

	var keepCells []int
	for j, c := range m.Cells() {
		switch {
		case opts.Subtype != "" && c.Subtype != opts.Subtype:
			summary.DroppedSubtype++
		case c.NGenes < opts.MinGenesPerCell:
			summary.DroppedLowGenes++
		case opts.MaxGenesPerCell > 0 && c.NGenes > opts.MaxGenesPerCell:
			summary.DroppedHighGenes++
		case c.TotalCounts < float64(opts.MinCountsPerCell):
			summary.DroppedLowCount++
		case c.MitoFrac > opts.MaxMitoFraction:
			summary.DroppedMito++
		default:
			keepCells = append(keepCells, j)
		}
	}
	if len(keepCells) == 0 {
		return nil, summary, &expr.EmptyResultError{
			Stage:  "qc",
			Detail: fmt.Sprintf("all %d cells removed by cell thresholds", m.NCells()),
		}
	}
	cellFiltered, err := m.Subset(keepCells, nil)
	if err != nil {
		return nil, summary, err
	}

	var keepGenes []int
	for g, n := range cellFiltered.GeneCellCounts() {
		if n >= opts.MinCellsPerGene {
			keepGenes = append(keepGenes, g)
		}
	}
	if len(keepGenes) == 0 {
		return nil, summary, &expr.EmptyResultError{
			Stage:  "qc",
			Detail: fmt.Sprintf("all %d genes removed by min-cells-per-gene=%d", m.NGenes(), opts.MinCellsPerGene),
		}
	}
	out, err := cellFiltered.Subset(nil, keepGenes)
	if err != nil {
		return nil, summary, err
	}
	summary.CellsKept = out.NCells()
	summary.GenesKept = out.NGenes()
	log.Printf("qc: kept %d/%d cells, %d/%d genes", summary.CellsKept, summary.CellsIn, summary.GenesKept, summary.GenesIn)
	return out, summary, nil
}
