package markers

import (
	"math"
	"testing"

	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	"github.com/sclabs/scrna/cluster"
	"github.com/sclabs/scrna/expr"
)

// blockMatrix builds 2m cells x 3 genes: gene 0 high in the first block,
// gene 1 high in the second, gene 2 flat everywhere.
func blockMatrix(t *testing.T, m int) (*expr.Matrix, cluster.Partition) {
	t.Helper()
	cells := make([]expr.CellInfo, 2*m)
	genes := []expr.GeneInfo{{Name: "A"}, {Name: "B"}, {Name: "C"}}
	var entries []expr.Entry
	labels := make([]int, 2*m)
	for i := 0; i < 2*m; i++ {
		if i < m {
			entries = append(entries, expr.Entry{Cell: i, Gene: 0, Value: 10})
		} else {
			entries = append(entries, expr.Entry{Cell: i, Gene: 1, Value: 10})
			labels[i] = 1
		}
		entries = append(entries, expr.Entry{Cell: i, Gene: 2, Value: 5})
	}
	mx, err := expr.NewMatrix(cells, genes, entries)
	assert.NoError(t, err)
	return mx, cluster.Partition{Labels: labels, NClusters: 2}
}

func TestRankFindsBlockMarkers(t *testing.T) {
	m, part := blockMatrix(t, 20)
	table, err := Rank(m, part, DefaultOpts)
	assert.NoError(t, err)
	expect.EQ(t, table.Tested, 6)

	upOf := func(c int) map[string]bool {
		up := map[string]bool{}
		for _, r := range table.ByCluster[c] {
			if r.Up() {
				up[r.GeneName] = true
			}
		}
		return up
	}
	expect.True(t, upOf(0)["A"])
	expect.False(t, upOf(0)["B"])
	expect.True(t, upOf(1)["B"])
	expect.False(t, upOf(1)["A"])
	// The flat gene is never a marker.
	for c := range table.ByCluster {
		for _, r := range table.ByCluster[c] {
			expect.True(t, r.GeneName != "C")
		}
	}
}

func TestRankThresholdsHold(t *testing.T) {
	m, part := blockMatrix(t, 15)
	opts := Opts{MinPct: 0.25, MinLog2FC: 0.5, Alpha: 0.01}
	table, err := Rank(m, part, opts)
	assert.NoError(t, err)
	for c := range table.ByCluster {
		for _, r := range table.ByCluster[c] {
			expect.True(t, math.Max(r.PctIn, r.PctOut) >= opts.MinPct)
			expect.True(t, math.Abs(r.Log2FC) >= opts.MinLog2FC)
			expect.True(t, r.PAdj <= opts.Alpha)
			expect.True(t, r.PAdj >= r.P)
		}
	}
}

func TestRankUpXorDown(t *testing.T) {
	m, part := blockMatrix(t, 20)
	table, err := Rank(m, part, DefaultOpts)
	assert.NoError(t, err)
	for c := range table.ByCluster {
		seen := map[int]bool{}
		for _, r := range table.ByCluster[c] {
			expect.False(t, seen[r.Gene])
			seen[r.Gene] = true
		}
	}
}

func TestRankOrderedByEffect(t *testing.T) {
	m, part := blockMatrix(t, 20)
	table, err := Rank(m, part, DefaultOpts)
	assert.NoError(t, err)
	for c := range table.ByCluster {
		recs := table.ByCluster[c]
		for i := 1; i < len(recs); i++ {
			expect.True(t, math.Abs(recs[i-1].Log2FC) >= math.Abs(recs[i].Log2FC))
		}
	}
}

func TestRankSingleCluster(t *testing.T) {
	m, _ := blockMatrix(t, 5)
	part := cluster.Partition{Labels: make([]int, m.NCells()), NClusters: 1}
	table, err := Rank(m, part, DefaultOpts)
	assert.NoError(t, err)
	for _, recs := range table.ByCluster {
		expect.EQ(t, len(recs), 0)
	}
}

func TestRankValidation(t *testing.T) {
	m, part := blockMatrix(t, 5)
	_, err := Rank(m, cluster.Partition{Labels: []int{0}, NClusters: 1}, DefaultOpts)
	if _, ok := err.(*expr.ConfigurationError); !ok {
		t.Fatalf("want ConfigurationError, got %v", err)
	}
	bad := DefaultOpts
	bad.Alpha = 0
	_, err = Rank(m, part, bad)
	if _, ok := err.(*expr.ConfigurationError); !ok {
		t.Fatalf("want ConfigurationError, got %v", err)
	}
}
