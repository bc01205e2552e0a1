// sc-cluster runs the single-cell clustering pipeline on a sparse count
// matrix triple (MatrixMarket matrix + barcodes + features, optionally
// gzipped) and writes tabular artifacts: cluster assignments, the 2D
// layout, marker tables, feature statistics, and PCA variance ratios.
//
// Parameters come from built-in defaults, overridden by a YAML config
// file (-config), overridden by command-line flags, in that order.
//
// Example:
//
//	sc-cluster -matrix matrix.mtx.gz -barcodes barcodes.tsv.gz \
//	  -features features.tsv.gz -annotations cells.tsv \
//	  -config run.yaml -resolution 0.8 -output s3://bucket/run1/
package main

import (
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"time"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/sclabs/scrna/encoding/mtx"
	"github.com/sclabs/scrna/pipeline"
	yaml "gopkg.in/yaml.v3"
)

type inputFlags struct {
	configPath     string
	matrixPath     string
	barcodePath    string
	featurePath    string
	annotationPath string
	outDir         string
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: sc-cluster -matrix PATH -barcodes PATH -features PATH [flags]

Clusters single cells from a sparse count matrix and writes cluster
assignments, a 2D embedding, and per-cluster marker genes.

`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	in := inputFlags{}
	flag.StringVar(&in.configPath, "config", "", "YAML file with pipeline parameters. Flags override it.")
	flag.StringVar(&in.matrixPath, "matrix", "", "MatrixMarket coordinate file, genes x cells.")
	flag.StringVar(&in.barcodePath, "barcodes", "", "One cell barcode per line, matching the matrix columns.")
	flag.StringVar(&in.featurePath, "features", "", "One gene per line, matching the matrix rows.")
	flag.StringVar(&in.annotationPath, "annotations", "", "Optional TSV with Barcode/Sample/Subtype columns.")
	flag.StringVar(&in.outDir, "output", ".", "Directory (or s3:// prefix) for output tables.")

	def := pipeline.DefaultOpts
	fo := def
	flag.StringVar(&fo.Subtype, "subtype", def.Subtype, "If set, analyze only cells annotated with this subtype.")
	flag.IntVar(&fo.MinGenesPerCell, "min-genes", def.MinGenesPerCell, "Drop cells detecting fewer genes.")
	flag.IntVar(&fo.MaxGenesPerCell, "max-genes", def.MaxGenesPerCell, "Drop cells detecting more genes (0 disables).")
	flag.IntVar(&fo.MinCountsPerCell, "min-counts", def.MinCountsPerCell, "Drop cells with fewer total counts.")
	flag.Float64Var(&fo.MaxMitoFraction, "max-mito", def.MaxMitoFraction, "Drop cells with a higher mitochondrial count fraction.")
	flag.StringVar(&fo.MitoPrefix, "mito-prefix", def.MitoPrefix, "Gene name prefix marking mitochondrial genes.")
	flag.IntVar(&fo.MinCellsPerGene, "min-cells", def.MinCellsPerGene, "Drop genes detected in fewer cells.")
	flag.Float64Var(&fo.TargetSum, "target-sum", def.TargetSum, "Per-cell count total after normalization.")
	flag.BoolVar(&fo.LogTransform, "log-transform", def.LogTransform, "Apply log1p after normalization.")
	flag.IntVar(&fo.NumFeatures, "features-n", def.NumFeatures, "Number of highly variable genes to keep.")
	flag.IntVar(&fo.DispersionBins, "dispersion-bins", def.DispersionBins, "Mean-expression bins for dispersion standardization (0 = default).")
	flag.Float64Var(&fo.MaxScaledValue, "max-scaled", def.MaxScaledValue, "Clip magnitude for z-scored expression.")
	flag.IntVar(&fo.NumComponents, "components", def.NumComponents, "Number of principal components to compute.")
	flag.IntVar(&fo.UseDims, "dims", def.UseDims, "Leading components feeding the neighbor graph (0 = all).")
	flag.Float64Var(&fo.ElbowRatio, "elbow-ratio", def.ElbowRatio, "Drop ratio for the advisory variance elbow.")
	flag.IntVar(&fo.Neighbors, "neighbors", def.Neighbors, "Neighbors per cell in the kNN graph.")
	flag.Float64Var(&fo.Resolution, "resolution", def.Resolution, "Louvain resolution; higher gives more clusters.")
	flag.Int64Var(&fo.Seed, "seed", def.Seed, "Random seed for clustering and layout (0 warns and uses 1).")
	flag.IntVar(&fo.LayoutIters, "layout-iters", def.LayoutIters, "Force-directed layout iterations.")
	flag.Float64Var(&fo.MinPct, "min-pct", def.MinPct, "Minimum detection fraction for marker tests.")
	flag.Float64Var(&fo.MinLog2FC, "min-log2fc", def.MinLog2FC, "Minimum |log2 fold change| for markers.")
	flag.Float64Var(&fo.Alpha, "alpha", def.Alpha, "Adjusted p-value cutoff for markers.")

	cleanup := grail.Init()
	defer cleanup()
	ctx := vcontext.Background()

	if in.matrixPath == "" || in.barcodePath == "" || in.featurePath == "" {
		flag.Usage()
		os.Exit(2)
	}

	opts := def
	if in.configPath != "" {
		data, err := ioutil.ReadFile(in.configPath)
		if err != nil {
			log.Panicf("read config %s: %v", in.configPath, err)
		}
		if err := yaml.Unmarshal(data, &opts); err != nil {
			log.Panicf("parse config %s: %v", in.configPath, err)
		}
	}
	applyFlagOverrides(&opts, fo)

	start := time.Now()
	m, err := mtx.Read(ctx, in.matrixPath, in.barcodePath, in.featurePath)
	if err != nil {
		log.Panic(err)
	}
	if in.annotationPath != "" {
		if m, err = mtx.ReadAnnotations(ctx, in.annotationPath, m); err != nil {
			log.Panic(err)
		}
	}
	res, err := pipeline.Run(ctx, m, opts)
	if err != nil {
		log.Panic(err)
	}
	if err := pipeline.WriteAll(ctx, in.outDir, res); err != nil {
		log.Panic(err)
	}
	log.Printf("sc-cluster: wrote %s in %v (%s)", in.outDir, time.Since(start), res.Stats.String())
}

// applyFlagOverrides copies into opts the parameters whose flags were
// given explicitly on the command line, so flags beat the config file.
func applyFlagOverrides(opts *pipeline.Opts, fo pipeline.Opts) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "subtype":
			opts.Subtype = fo.Subtype
		case "min-genes":
			opts.MinGenesPerCell = fo.MinGenesPerCell
		case "max-genes":
			opts.MaxGenesPerCell = fo.MaxGenesPerCell
		case "min-counts":
			opts.MinCountsPerCell = fo.MinCountsPerCell
		case "max-mito":
			opts.MaxMitoFraction = fo.MaxMitoFraction
		case "mito-prefix":
			opts.MitoPrefix = fo.MitoPrefix
		case "min-cells":
			opts.MinCellsPerGene = fo.MinCellsPerGene
		case "target-sum":
			opts.TargetSum = fo.TargetSum
		case "log-transform":
			opts.LogTransform = fo.LogTransform
		case "features-n":
			opts.NumFeatures = fo.NumFeatures
		case "dispersion-bins":
			opts.DispersionBins = fo.DispersionBins
		case "max-scaled":
			opts.MaxScaledValue = fo.MaxScaledValue
		case "components":
			opts.NumComponents = fo.NumComponents
		case "dims":
			opts.UseDims = fo.UseDims
		case "elbow-ratio":
			opts.ElbowRatio = fo.ElbowRatio
		case "neighbors":
			opts.Neighbors = fo.Neighbors
		case "resolution":
			opts.Resolution = fo.Resolution
		case "seed":
			opts.Seed = fo.Seed
		case "layout-iters":
			opts.LayoutIters = fo.LayoutIters
		case "min-pct":
			opts.MinPct = fo.MinPct
		case "min-log2fc":
			opts.MinLog2FC = fo.MinLog2FC
		case "alpha":
			opts.Alpha = fo.Alpha
		}
	})
}
