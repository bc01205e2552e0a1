package normalize

import (
	"math"
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

const tol = 1e-9

func TestLibrarySizeSums(t *testing.T) {
	m := testMatrix(t, [][]float64{
		{1, 2, 3},
		{100, 0, 0},
		{7, 7, 7},
	})
	out, nZero := LibrarySize(m, 1e4)
	expect.EQ(t, nZero, 0)
	for _, tot := range out.CellTotals() {
		expect.True(t, math.Abs(tot-1e4) < tol)
	}
	// Relative proportions within a cell survive.
	_, vals := out.CellRange(0)
	expect.True(t, math.Abs(vals[1]/vals[0]-2) < tol)
	expect.True(t, math.Abs(vals[2]/vals[0]-3) < tol)
	// Input untouched.
	expect.EQ(t, m.CellTotals()[0], 6.0)
}

func TestLibrarySizeZeroCells(t *testing.T) {
	m := testMatrix(t, [][]float64{
		{1, 1, 0},
		{0, 0, 0},
	})
	out, nZero := LibrarySize(m, 100)
	expect.EQ(t, nZero, 1)
	totals := out.CellTotals()
	expect.True(t, math.Abs(totals[0]-100) < tol)
	expect.EQ(t, totals[1], 0.0)
}

func TestLibrarySizeIdempotent(t *testing.T) {
	m := testMatrix(t, [][]float64{
		{3, 5, 11},
		{2, 0, 9},
	})
	once, _ := LibrarySize(m, 1e4)
	twice, _ := LibrarySize(once, 1e4)
	a, b := once.Values(), twice.Values()
	for i := range a {
		expect.True(t, math.Abs(a[i]-b[i]) < tol)
	}
}

func TestLog1p(t *testing.T) {
	m := testMatrix(t, [][]float64{{math.E - 1, 0}})
	out := Log1p(m)
	_, vals := out.CellRange(0)
	expect.True(t, math.Abs(vals[0]-1) < tol)
}
