// Package scale standardizes each gene of an expression matrix to zero
// mean and unit variance, clipping extreme z-scores so a handful of
// outlier cells cannot dominate the downstream linear algebra.
package scale

import (
	"runtime"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/sclabs/scrna/expr"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Result is a standardized dense matrix. Post-selection data is small
// (cells x a few thousand genes), so dense storage is deliberate here;
// everything upstream stays sparse.
type Result struct {
	// X is cells x len(Kept), z-scored and clipped.
	X *mat.Dense
	// Kept maps X's columns back to gene indices of the input matrix.
	// Genes dropped for zero variance are absent.
	Kept []int
	// Means and Stds are the per-kept-gene statistics used.
	Means, Stds []float64
}

// ZScore standardizes every gene of m and clips the result to
// [-maxValue, +maxValue]. Zero-variance genes are dropped with a warning
// when dropDegenerate is set; otherwise the first one is reported as an
// expr.DegenerateFeatureError. Dropping every gene is an
// expr.EmptyResultError.
func ZScore(m *expr.Matrix, maxValue float64, dropDegenerate bool) (*Result, error) {
	nCells, nGenes := m.NCells(), m.NGenes()

	dense := mat.NewDense(nCells, nGenes, nil)
	for c := 0; c < nCells; c++ {
		genes, vals := m.CellRange(c)
		for i, g := range genes {
			dense.Set(c, int(g), vals[i])
		}
	}

	means := make([]float64, nGenes)
	stds := make([]float64, nGenes)
	parallelism := runtime.NumCPU()
	_ = traverse.Each(parallelism, func(job int) error {
		start := (job * nGenes) / parallelism
		limit := ((job + 1) * nGenes) / parallelism
		buf := make([]float64, nCells)
		for g := start; g < limit; g++ {
			mat.Col(buf, g, dense)
			means[g], stds[g] = stat.MeanStdDev(buf, nil)
		}
		return nil
	})

	var kept []int
	for g := 0; g < nGenes; g++ {
		if stds[g] == 0 {
			if !dropDegenerate {
				return nil, &expr.DegenerateFeatureError{Stage: "scale", Gene: m.Genes()[g].Name}
			}
			log.Error.Printf("scale: dropping zero-variance gene %q", m.Genes()[g].Name)
			continue
		}
		kept = append(kept, g)
	}
	if len(kept) == 0 {
		return nil, &expr.EmptyResultError{Stage: "scale", Detail: "every gene has zero variance"}
	}

	res := &Result{
		X:     mat.NewDense(nCells, len(kept), nil),
		Kept:  kept,
		Means: make([]float64, len(kept)),
		Stds:  make([]float64, len(kept)),
	}
	_ = traverse.Each(parallelism, func(job int) error {
		start := (job * len(kept)) / parallelism
		limit := ((job + 1) * len(kept)) / parallelism
		for k := start; k < limit; k++ {
			g := kept[k]
			res.Means[k], res.Stds[k] = means[g], stds[g]
			for c := 0; c < nCells; c++ {
				z := (dense.At(c, g) - means[g]) / stds[g]
				if z > maxValue {
					z = maxValue
				} else if z < -maxValue {
					z = -maxValue
				}
				res.X.Set(c, k, z)
			}
		}
		return nil
	})
	return res, nil
}
