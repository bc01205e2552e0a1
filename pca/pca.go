// Package pca computes a principal component analysis of a scaled
// expression matrix via singular value decomposition.
package pca

import (
	"sort"

	"github.com/sclabs/scrna/expr"
	"gonum.org/v1/gonum/mat"
)

// Result holds the decomposition. Given identical input (same values in
// the same cell and gene order) the result is deterministic, except that
// the overall sign of each component is an arbitrary convention of the
// underlying SVD: only coordinates up to per-component sign are
// comparable across implementations.
type Result struct {
	// Scores is cells x C: the cell embedding (U * Sigma).
	Scores *mat.Dense
	// Loadings is genes x C: the projection directions (columns of V).
	Loadings *mat.Dense
	// Explained[i] is the fraction of total variance carried by
	// component i, in decreasing order.
	Explained []float64
}

// Fit centers x column-wise and computes its top nComponents principal
// components. nComponents must not exceed min(cells, genes).
func Fit(x *mat.Dense, nComponents int) (*Result, error) {
	n, p := x.Dims()
	avail := n
	if p < avail {
		avail = p
	}
	if nComponents <= 0 {
		return nil, &expr.ConfigurationError{Param: "components", Detail: "component count must be positive"}
	}
	if nComponents > avail {
		return nil, &expr.InsufficientDataError{
			Stage: "pca", Param: "components", Requested: nComponents, Available: avail,
		}
	}

	centered := mat.NewDense(n, p, nil)
	col := make([]float64, n)
	for j := 0; j < p; j++ {
		mat.Col(col, j, x)
		var mean float64
		for _, v := range col {
			mean += v
		}
		mean /= float64(n)
		for i, v := range col {
			centered.Set(i, j, v-mean)
		}
	}

	var svd mat.SVD
	if !svd.Factorize(centered, mat.SVDThin) {
		return nil, &expr.InsufficientDataError{Stage: "pca", Param: "rank", Requested: nComponents, Available: 0}
	}
	values := svd.Values(nil)
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var total float64
	for _, s := range values {
		total += s * s
	}
	res := &Result{
		Scores:    mat.NewDense(n, nComponents, nil),
		Loadings:  mat.NewDense(p, nComponents, nil),
		Explained: make([]float64, nComponents),
	}
	for c := 0; c < nComponents; c++ {
		if total > 0 {
			res.Explained[c] = values[c] * values[c] / total
		}
		for i := 0; i < n; i++ {
			res.Scores.Set(i, c, u.At(i, c)*values[c])
		}
		for j := 0; j < p; j++ {
			res.Loadings.Set(j, c, v.At(j, c))
		}
	}
	return res, nil
}

// NComponents returns the number of computed components.
func (r *Result) NComponents() int { return len(r.Explained) }

// TopLoadings returns the indices of the n genes with the largest
// absolute loading on component c, strongest first, for interpreting what
// drives a component.
func (r *Result) TopLoadings(c, n int) []int {
	p, _ := r.Loadings.Dims()
	idx := make([]int, p)
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		va, vb := r.Loadings.At(idx[a], c), r.Loadings.At(idx[b], c)
		if va < 0 {
			va = -va
		}
		if vb < 0 {
			vb = -vb
		}
		return va > vb
	})
	if n > p {
		n = p
	}
	return idx[:n]
}
