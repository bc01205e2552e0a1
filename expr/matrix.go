// Package expr defines the in-memory expression data model shared by every
// pipeline stage: a sparse cells-by-genes count matrix plus per-cell and
// per-gene annotations. Matrices are immutable; stages derive new matrices
// instead of mutating their input so provenance stays traceable.
package expr

import (
	"fmt"
	"sort"
)

// CellInfo annotates one sequenced cell (one column of the matrix).
type CellInfo struct {
	Barcode string
	Sample  string
	Subtype string

	// QC metrics, computed by the qc stage. Zero until then.
	NGenes      int     // genes with nonzero counts
	TotalCounts float64 // sum of counts
	MitoFrac    float64 // fraction of counts from mitochondrial genes
}

// GeneInfo annotates one measured gene (one row of the matrix).
type GeneInfo struct {
	Name string
	// DispersionRank is filled by feature selection; -1 when unranked.
	DispersionRank int
}

// Entry is one nonzero matrix element, used when building a Matrix.
type Entry struct {
	Cell  int
	Gene  int
	Value float64
}

// Matrix is a sparse cells-by-genes expression matrix. Storage is
// column-compressed by cell: the nonzero entries of cell j occupy
// geneIdx[colStart[j]:colStart[j+1]] and the parallel vals range, with
// geneIdx ascending within each cell.
type Matrix struct {
	cells []CellInfo
	genes []GeneInfo

	colStart []int
	geneIdx  []int32
	vals     []float64
}

// NewMatrix builds a matrix from unsorted nonzero entries. Entries must have
// in-range indices, nonnegative values, and no (cell, gene) duplicates.
func NewMatrix(cells []CellInfo, genes []GeneInfo, entries []Entry) (*Matrix, error) {
	nCells, nGenes := len(cells), len(genes)
	for _, e := range entries {
		if e.Cell < 0 || e.Cell >= nCells {
			return nil, fmt.Errorf("expr: cell index %d out of range [0,%d)", e.Cell, nCells)
		}
		if e.Gene < 0 || e.Gene >= nGenes {
			return nil, fmt.Errorf("expr: gene index %d out of range [0,%d)", e.Gene, nGenes)
		}
		if e.Value < 0 {
			return nil, fmt.Errorf("expr: negative count %g at cell %d, gene %d", e.Value, e.Cell, e.Gene)
		}
	}
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Cell != sorted[j].Cell {
			return sorted[i].Cell < sorted[j].Cell
		}
		return sorted[i].Gene < sorted[j].Gene
	})
	m := &Matrix{
		cells:    cells,
		genes:    genes,
		colStart: make([]int, nCells+1),
		geneIdx:  make([]int32, 0, len(sorted)),
		vals:     make([]float64, 0, len(sorted)),
	}
	prevCell, prevGene := -1, -1
	for _, e := range sorted {
		if e.Cell == prevCell && e.Gene == prevGene {
			return nil, fmt.Errorf("expr: duplicate entry for cell %d, gene %d", e.Cell, e.Gene)
		}
		if e.Value == 0 {
			continue
		}
		for c := prevCell + 1; c <= e.Cell; c++ {
			m.colStart[c] = len(m.geneIdx)
		}
		m.geneIdx = append(m.geneIdx, int32(e.Gene))
		m.vals = append(m.vals, e.Value)
		prevCell, prevGene = e.Cell, e.Gene
	}
	for c := prevCell + 1; c <= nCells; c++ {
		m.colStart[c] = len(m.geneIdx)
	}
	return m, nil
}

// NCells returns the number of cells (columns).
func (m *Matrix) NCells() int { return len(m.cells) }

// NGenes returns the number of genes (rows).
func (m *Matrix) NGenes() int { return len(m.genes) }

// NNZ returns the number of stored nonzero entries.
func (m *Matrix) NNZ() int { return len(m.vals) }

// Cells returns the per-cell annotations. Callers must not modify the
// returned slice.
func (m *Matrix) Cells() []CellInfo { return m.cells }

// Genes returns the per-gene annotations. Callers must not modify the
// returned slice.
func (m *Matrix) Genes() []GeneInfo { return m.genes }

// CellRange returns the gene indices and values of cell j's nonzero
// entries. Both slices are views into the matrix and must not be modified.
func (m *Matrix) CellRange(j int) ([]int32, []float64) {
	s, e := m.colStart[j], m.colStart[j+1]
	return m.geneIdx[s:e], m.vals[s:e]
}

// Values returns the backing value slice, in cell-major order. It must not
// be modified; use WithValues to derive a matrix with new values.
func (m *Matrix) Values() []float64 { return m.vals }

// CellOffset returns the index of cell j's first entry within Values.
func (m *Matrix) CellOffset(j int) int { return m.colStart[j] }

// WithValues derives a matrix sharing m's sparsity structure and metadata
// but holding vals, which must have exactly NNZ elements.
func (m *Matrix) WithValues(vals []float64) *Matrix {
	if len(vals) != len(m.vals) {
		panic(fmt.Sprintf("expr: WithValues length %d != nnz %d", len(vals), len(m.vals)))
	}
	n := *m
	n.vals = vals
	return &n
}

// WithCells derives a matrix sharing m's entries but carrying new per-cell
// annotations (e.g. with QC metrics filled in).
func (m *Matrix) WithCells(cells []CellInfo) *Matrix {
	if len(cells) != len(m.cells) {
		panic(fmt.Sprintf("expr: WithCells length %d != ncells %d", len(cells), len(m.cells)))
	}
	n := *m
	n.cells = cells
	return &n
}

// WithGenes derives a matrix sharing m's entries but carrying new per-gene
// annotations (e.g. with dispersion ranks filled in).
func (m *Matrix) WithGenes(genes []GeneInfo) *Matrix {
	if len(genes) != len(m.genes) {
		panic(fmt.Sprintf("expr: WithGenes length %d != ngenes %d", len(genes), len(m.genes)))
	}
	n := *m
	n.genes = genes
	return &n
}

// CellTotals returns the per-cell sum of values.
func (m *Matrix) CellTotals() []float64 {
	totals := make([]float64, len(m.cells))
	for j := range m.cells {
		_, vals := m.CellRange(j)
		for _, v := range vals {
			totals[j] += v
		}
	}
	return totals
}

// GeneCellCounts returns, per gene, the number of cells in which the gene
// has a nonzero value.
func (m *Matrix) GeneCellCounts() []int {
	counts := make([]int, len(m.genes))
	for _, g := range m.geneIdx {
		counts[g]++
	}
	return counts
}

// Subset returns the matrix restricted to the given cell and gene indices.
// Both index slices must be strictly ascending so that the original order
// of the surviving cells and genes is preserved; nil selects everything.
func (m *Matrix) Subset(cellIdx, geneIdx []int) (*Matrix, error) {
	if cellIdx == nil {
		cellIdx = identity(len(m.cells))
	}
	if geneIdx == nil {
		geneIdx = identity(len(m.genes))
	}
	if err := checkAscending(cellIdx, len(m.cells), "cell"); err != nil {
		return nil, err
	}
	if err := checkAscending(geneIdx, len(m.genes), "gene"); err != nil {
		return nil, err
	}
	geneMap := make([]int32, len(m.genes))
	for i := range geneMap {
		geneMap[i] = -1
	}
	newGenes := make([]GeneInfo, len(geneIdx))
	for newG, oldG := range geneIdx {
		geneMap[oldG] = int32(newG)
		newGenes[newG] = m.genes[oldG]
	}
	newCells := make([]CellInfo, len(cellIdx))
	sub := &Matrix{
		cells:    newCells,
		genes:    newGenes,
		colStart: make([]int, len(cellIdx)+1),
	}
	for newC, oldC := range cellIdx {
		newCells[newC] = m.cells[oldC]
		sub.colStart[newC] = len(sub.geneIdx)
		genes, vals := m.CellRange(oldC)
		for i, g := range genes {
			if ng := geneMap[g]; ng >= 0 {
				sub.geneIdx = append(sub.geneIdx, ng)
				sub.vals = append(sub.vals, vals[i])
			}
		}
	}
	sub.colStart[len(cellIdx)] = len(sub.geneIdx)
	return sub, nil
}

func identity(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}

func checkAscending(idx []int, limit int, kind string) error {
	for i, v := range idx {
		if v < 0 || v >= limit {
			return fmt.Errorf("expr: %s index %d out of range [0,%d)", kind, v, limit)
		}
		if i > 0 && idx[i-1] >= v {
			return fmt.Errorf("expr: %s indices must be strictly ascending (%d after %d)", kind, v, idx[i-1])
		}
	}
	return nil
}

// GeneMajor is a gene-major view of a matrix's nonzero entries, built once
// and then shared read-only (feature selection and marker scoring both walk
// the matrix by gene).
type GeneMajor struct {
	rowStart []int
	cellIdx  []int32
	vals     []float64
}

// ByGene builds a gene-major view of m.
func (m *Matrix) ByGene() *GeneMajor {
	g := &GeneMajor{
		rowStart: make([]int, len(m.genes)+1),
		cellIdx:  make([]int32, len(m.geneIdx)),
		vals:     make([]float64, len(m.vals)),
	}
	counts := make([]int, len(m.genes))
	for _, gi := range m.geneIdx {
		counts[gi]++
	}
	for i := 0; i < len(m.genes); i++ {
		g.rowStart[i+1] = g.rowStart[i] + counts[i]
	}
	next := make([]int, len(m.genes))
	copy(next, g.rowStart[:len(m.genes)])
	for c := range m.cells {
		genes, vals := m.CellRange(c)
		for i, gi := range genes {
			pos := next[gi]
			g.cellIdx[pos] = int32(c)
			g.vals[pos] = vals[i]
			next[gi] = pos + 1
		}
	}
	return g
}

// Range returns the cell indices and values of gene g's nonzero entries,
// with cell indices ascending. Views; must not be modified.
func (g *GeneMajor) Range(gene int) ([]int32, []float64) {
	s, e := g.rowStart[gene], g.rowStart[gene+1]
	return g.cellIdx[s:e], g.vals[s:e]
}
