package hvg

import (
	"testing"

	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	"github.com/sclabs/scrna/expr"
)

func testMatrix(t *testing.T, grid [][]float64) *expr.Matrix {
	t.Helper()
	cells := make([]expr.CellInfo, len(grid))
	genes := make([]expr.GeneInfo, len(grid[0]))
	var entries []expr.Entry
	for c, row := range grid {
		for g, v := range row {
			if v != 0 {
				entries = append(entries, expr.Entry{Cell: c, Gene: g, Value: v})
			}
		}
	}
	m, err := expr.NewMatrix(cells, genes, entries)
	assert.NoError(t, err)
	return m
}

func TestSelectPicksVariableGenes(t *testing.T) {
	// Gene 0: flat. Gene 1: bimodal (variable). Gene 2: flat at a
	// different level. Gene 3: mildly variable.
	m := testMatrix(t, [][]float64{
		{5, 0, 9, 2},
		{5, 10, 9, 3},
		{5, 0, 9, 2},
		{5, 10, 9, 3},
	})
	sel, err := Select(m, 2, 2)
	assert.NoError(t, err)
	expect.EQ(t, len(sel.Indices), 2)
	// The bimodal gene must be in; flat genes must not dominate.
	found := map[int]bool{}
	for _, g := range sel.Indices {
		found[g] = true
	}
	expect.True(t, found[1])
	expect.False(t, found[0] && found[2])
	// Selection order is the original gene order.
	for i := 1; i < len(sel.Indices); i++ {
		expect.True(t, sel.Indices[i] > sel.Indices[i-1])
	}
}

func TestSelectClampsK(t *testing.T) {
	m := testMatrix(t, [][]float64{
		{1, 2},
		{3, 4},
	})
	sel, err := Select(m, 100, 0)
	assert.NoError(t, err)
	expect.EQ(t, len(sel.Indices), 2)

	_, err = Select(m, 0, 0)
	if _, ok := err.(*expr.ConfigurationError); !ok {
		t.Fatalf("want ConfigurationError, got %v", err)
	}
}

func TestSelectStableTies(t *testing.T) {
	// Identical distributions; the tie must resolve to the earliest genes.
	m := testMatrix(t, [][]float64{
		{1, 1, 1, 1},
		{3, 3, 3, 3},
	})
	sel, err := Select(m, 2, 1)
	assert.NoError(t, err)
	expect.EQ(t, sel.Indices, []int{0, 1})
}

func TestAnnotate(t *testing.T) {
	m := testMatrix(t, [][]float64{
		{5, 0, 2},
		{5, 10, 3},
		{5, 0, 2},
		{5, 10, 3},
	})
	sel, err := Select(m, 2, 1)
	assert.NoError(t, err)
	annotated := sel.Annotate(m)
	ranked := 0
	for _, g := range annotated.Genes() {
		if g.DispersionRank >= 0 {
			ranked++
		}
	}
	expect.EQ(t, ranked, 2)
	// Most variable gene gets rank 0.
	best := sel.Indices[0]
	for _, g := range sel.Indices[1:] {
		if sel.Stats[g].Normalized > sel.Stats[best].Normalized {
			best = g
		}
	}
	expect.EQ(t, annotated.Genes()[best].DispersionRank, 0)
}
