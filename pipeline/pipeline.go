// Package pipeline chains the analysis stages into one run: quality
// filtering, library-size normalization, highly variable gene selection,
// scaling, PCA, the neighbor graph, Louvain clustering, the 2D layout,
// and marker ranking. Each stage lives in its own package; this one only
// wires them together, checks the context between stages, and collects
// summary statistics.
package pipeline

import (
	"context"

	"github.com/grailbio/base/log"
	"github.com/sclabs/scrna/cluster"
	"github.com/sclabs/scrna/embed"
	"github.com/sclabs/scrna/expr"
	"github.com/sclabs/scrna/hvg"
	"github.com/sclabs/scrna/knn"
	"github.com/sclabs/scrna/markers"
	"github.com/sclabs/scrna/normalize"
	"github.com/sclabs/scrna/pca"
	"github.com/sclabs/scrna/qc"
	"github.com/sclabs/scrna/scale"
)

// Result bundles every artifact of a run. Matrices and intermediate
// results are kept so callers can write whichever subset they need.
type Result struct {
	// Filtered is the QC-passing count matrix.
	Filtered *expr.Matrix
	// Normalized is library-size normalized, linear scale. Marker
	// statistics are computed on this matrix.
	Normalized *expr.Matrix
	// Transformed is Normalized after the optional log1p; it feeds
	// feature selection and scaling. Without LogTransform it aliases
	// Normalized.
	Transformed *expr.Matrix

	HVG    hvg.Selection
	Scaled *scale.Result
	PCA    *pca.Result

	Graph     *knn.Graph
	Clusters  cluster.Partition
	Embedding [][2]float64
	Markers   *markers.Table

	QC    qc.Summary
	Stats Stats
}

// Run executes the full pipeline on a raw count matrix. The context is
// checked between stages so a canceled run stops at the next stage
// boundary rather than mid-SVD.
func Run(ctx context.Context, m *expr.Matrix, opts Opts) (*Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	seed := opts.Seed
	if seed == 0 {
		log.Error.Printf("pipeline: seed unset; using 1 for reproducibility")
		seed = 1
	}
	res := &Result{}
	res.Stats.CellsIn = m.NCells()
	res.Stats.GenesIn = m.NGenes()

	filtered, summary, err := qc.Filter(m, qc.Opts{
		MinGenesPerCell:  opts.MinGenesPerCell,
		MaxGenesPerCell:  opts.MaxGenesPerCell,
		MinCountsPerCell: opts.MinCountsPerCell,
		MaxMitoFraction:  opts.MaxMitoFraction,
		MitoPrefix:       opts.MitoPrefix,
		MinCellsPerGene:  opts.MinCellsPerGene,
		Subtype:          opts.Subtype,
	})
	if err != nil {
		return nil, err
	}
	res.Filtered = filtered
	res.QC = summary
	res.Stats.CellsKept = filtered.NCells()
	res.Stats.GenesKept = filtered.NGenes()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	normalized, zeroCells := normalize.LibrarySize(filtered, opts.TargetSum)
	res.Normalized = normalized
	res.Stats.ZeroCells = zeroCells
	res.Transformed = normalized
	if opts.LogTransform {
		res.Transformed = normalize.Log1p(normalized)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sel, err := hvg.Select(res.Transformed, opts.NumFeatures, opts.DispersionBins)
	if err != nil {
		return nil, err
	}
	res.HVG = sel
	variable, err := res.Transformed.Subset(nil, sel.Indices)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	scaled, err := scale.ZScore(variable, opts.MaxScaledValue, true)
	if err != nil {
		return nil, err
	}
	res.Scaled = scaled
	res.Stats.FeaturesSelected = len(scaled.Kept)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	nComponents := opts.NumComponents
	cells, features := scaled.X.Dims()
	if max := min(cells, features); nComponents > max {
		log.Error.Printf("pipeline: %d components requested but only %d available; clamping", nComponents, max)
		nComponents = max
	}
	fitted, err := pca.Fit(scaled.X, nComponents)
	if err != nil {
		return nil, err
	}
	res.PCA = fitted
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dims := opts.UseDims
	if dims > fitted.NComponents() {
		log.Error.Printf("pipeline: %d dims requested but only %d components computed; clamping", dims, fitted.NComponents())
		dims = fitted.NComponents()
	}
	if suggest, ok := knn.SuggestDims(fitted.Explained, opts.ElbowRatio); ok {
		if dims != 0 && suggest != dims {
			log.Printf("pipeline: variance elbow suggests %d dims (using %d)", suggest, dims)
		}
	} else {
		log.Printf("pipeline: no clear variance elbow; keeping configured dims")
	}
	used := dims
	if used == 0 {
		used = fitted.NComponents()
	}
	for c := 0; c < used; c++ {
		res.Stats.VarianceCaptured += fitted.Explained[c]
	}

	graph, err := knn.Build(fitted.Scores, dims, opts.Neighbors)
	if err != nil {
		return nil, err
	}
	res.Graph = graph
	res.Stats.Edges = graph.NEdges()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	part, err := cluster.Louvain(graph, opts.Resolution, seed)
	if err != nil {
		return nil, err
	}
	res.Clusters = part
	res.Stats.Clusters = part.NClusters
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	iters := opts.LayoutIters
	if iters <= 0 {
		iters = embed.DefaultIters
	}
	coords, err := embed.Layout(graph, fitted.Scores, iters, seed)
	if err != nil {
		return nil, err
	}
	res.Embedding = coords
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	table, err := markers.Rank(res.Normalized, part, markers.Opts{
		MinPct:    opts.MinPct,
		MinLog2FC: opts.MinLog2FC,
		Alpha:     opts.Alpha,
	})
	if err != nil {
		return nil, err
	}
	res.Markers = table
	for _, recs := range table.ByCluster {
		res.Stats.MarkerRows += len(recs)
	}

	log.Printf("pipeline: %s", res.Stats.String())
	return res, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
