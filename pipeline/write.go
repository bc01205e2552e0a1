package pipeline

import (
	"context"
	"strconv"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
)

// Artifact file names written by WriteAll, relative to the output
// directory.
const (
	ClustersFile  = "clusters.tsv"
	EmbeddingFile = "embedding.tsv"
	MarkersFile   = "markers.tsv"
	FeaturesFile  = "features.tsv"
	VarianceFile  = "variance.tsv"
)

// WriteAll writes every tabular artifact of res under dir. Paths go
// through base/file, so dir may be an s3:// prefix.
func WriteAll(ctx context.Context, dir string, res *Result) error {
	if err := WriteClusters(ctx, file.Join(dir, ClustersFile), res); err != nil {
		return err
	}
	if err := WriteEmbedding(ctx, file.Join(dir, EmbeddingFile), res); err != nil {
		return err
	}
	if err := WriteMarkers(ctx, file.Join(dir, MarkersFile), res); err != nil {
		return err
	}
	if err := WriteFeatures(ctx, file.Join(dir, FeaturesFile), res); err != nil {
		return err
	}
	return WriteVariance(ctx, file.Join(dir, VarianceFile), res)
}

// WriteClusters writes one row per kept cell: barcode, sample, cluster.
func WriteClusters(ctx context.Context, path string, res *Result) (err error) {
	dst, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, dst, &err)
	w := tsv.NewWriter(dst.Writer(ctx))
	w.WriteString("barcode\tsample\tcluster")
	if err = w.EndLine(); err != nil {
		return err
	}
	for i, c := range res.Filtered.Cells() {
		w.WriteString(c.Barcode)
		w.WriteString(c.Sample)
		w.WriteUint32(uint32(res.Clusters.Labels[i]))
		if err = w.EndLine(); err != nil {
			return err
		}
	}
	return w.Flush()
}

// WriteEmbedding writes the 2D layout: barcode, x, y.
func WriteEmbedding(ctx context.Context, path string, res *Result) (err error) {
	dst, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, dst, &err)
	w := tsv.NewWriter(dst.Writer(ctx))
	w.WriteString("barcode\tx\ty")
	if err = w.EndLine(); err != nil {
		return err
	}
	for i, c := range res.Filtered.Cells() {
		w.WriteString(c.Barcode)
		w.WriteString(formatFloat(res.Embedding[i][0]))
		w.WriteString(formatFloat(res.Embedding[i][1]))
		if err = w.EndLine(); err != nil {
			return err
		}
	}
	return w.Flush()
}

// WriteMarkers writes the significant markers, clusters in order, each
// cluster's rows ranked by effect size.
func WriteMarkers(ctx context.Context, path string, res *Result) (err error) {
	dst, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, dst, &err)
	w := tsv.NewWriter(dst.Writer(ctx))
	w.WriteString("cluster\tgene\tlog2fc\tp\tpadj\tpct_in\tpct_out")
	if err = w.EndLine(); err != nil {
		return err
	}
	for _, recs := range res.Markers.ByCluster {
		for _, r := range recs {
			w.WriteUint32(uint32(r.Cluster))
			w.WriteString(r.GeneName)
			w.WriteString(formatFloat(r.Log2FC))
			w.WriteString(formatFloat(r.P))
			w.WriteString(formatFloat(r.PAdj))
			w.WriteString(formatFloat(r.PctIn))
			w.WriteString(formatFloat(r.PctOut))
			if err = w.EndLine(); err != nil {
				return err
			}
		}
	}
	return w.Flush()
}

// WriteFeatures writes per-gene selection statistics: name, mean,
// dispersion, normalized dispersion, and whether the gene was selected.
func WriteFeatures(ctx context.Context, path string, res *Result) (err error) {
	dst, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, dst, &err)
	w := tsv.NewWriter(dst.Writer(ctx))
	w.WriteString("gene\tmean\tdispersion\tnormalized\tselected")
	if err = w.EndLine(); err != nil {
		return err
	}
	selected := make(map[int]bool, len(res.HVG.Indices))
	for _, g := range res.HVG.Indices {
		selected[g] = true
	}
	genes := res.Transformed.Genes()
	for g, st := range res.HVG.Stats {
		w.WriteString(genes[g].Name)
		w.WriteString(formatFloat(st.Mean))
		w.WriteString(formatFloat(st.Dispersion))
		w.WriteString(formatFloat(st.Normalized))
		if selected[g] {
			w.WriteString("1")
		} else {
			w.WriteString("0")
		}
		if err = w.EndLine(); err != nil {
			return err
		}
	}
	return w.Flush()
}

// WriteVariance writes the per-component explained variance ratios.
func WriteVariance(ctx context.Context, path string, res *Result) (err error) {
	dst, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, dst, &err)
	w := tsv.NewWriter(dst.Writer(ctx))
	w.WriteString("component\texplained")
	if err = w.EndLine(); err != nil {
		return err
	}
	for c, v := range res.PCA.Explained {
		w.WriteUint32(uint32(c + 1))
		w.WriteString(formatFloat(v))
		if err = w.EndLine(); err != nil {
			return err
		}
	}
	return w.Flush()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', 6, 64)
}
