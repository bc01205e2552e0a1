// Package normalize rescales per-cell counts to a common library size so
// expression values are comparable across cells.
package normalize

import (
	"math"
	"runtime"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/sclabs/scrna/expr"
)

// LibrarySize scales every cell's counts so the cell total equals
// targetSum. All-zero cells stay zero; their count is returned and a
// warning is logged. The operation is per-cell independent and runs
// sharded across CPUs.
//
// Applying LibrarySize to an already-normalized matrix is a no-op up to
// floating-point tolerance.
func LibrarySize(m *expr.Matrix, targetSum float64) (*expr.Matrix, int) {
	totals := m.CellTotals()
	out := make([]float64, m.NNZ())
	nZero := 0
	for _, tot := range totals {
		if tot == 0 {
			nZero++
		}
	}

	parallelism := runtime.NumCPU()
	nCells := m.NCells()
	_ = traverse.Each(parallelism, func(job int) error {
		start := (job * nCells) / parallelism
		limit := ((job + 1) * nCells) / parallelism
		for c := start; c < limit; c++ {
			if totals[c] == 0 {
				continue
			}
			factor := targetSum / totals[c]
			_, vals := m.CellRange(c)
			base := m.CellOffset(c)
			for i, v := range vals {
				out[base+i] = v * factor
			}
		}
		return nil
	})
	if nZero > 0 {
		log.Error.Printf("normalize: %d all-zero cells left unscaled", nZero)
	}
	return m.WithValues(out), nZero
}

// Log1p replaces every value v with log(1+v). Used after library-size
// scaling; kept separate so marker scoring can work on the linear scale.
func Log1p(m *expr.Matrix) *expr.Matrix {
	out := make([]float64, m.NNZ())
	for i, v := range m.Values() {
		out[i] = math.Log1p(v)
	}
	return m.WithValues(out)
}
