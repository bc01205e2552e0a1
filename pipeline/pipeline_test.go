package pipeline

import (
	"fmt"
	"io/ioutil"
	"math/rand"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	"github.com/sclabs/scrna/expr"
	yaml "gopkg.in/yaml.v3"
)

// twoBlockMatrix builds 100 cells x 50 genes with two populations: cells
// 0-49 express genes 0-9 highly, cells 50-99 express genes 10-19 highly,
// and every gene carries low background counts.
func twoBlockMatrix(t *testing.T) *expr.Matrix {
	t.Helper()
	const nCells, nGenes = 100, 50
	rng := rand.New(rand.NewSource(7))
	cells := make([]expr.CellInfo, nCells)
	for i := range cells {
		cells[i].Barcode = fmt.Sprintf("BC%03d", i)
	}
	genes := make([]expr.GeneInfo, nGenes)
	for g := range genes {
		genes[g].Name = fmt.Sprintf("G%02d", g)
	}
	var entries []expr.Entry
	for i := 0; i < nCells; i++ {
		lo, hi := 0, 10
		if i >= 50 {
			lo, hi = 10, 20
		}
		for g := 0; g < nGenes; g++ {
			v := float64(rng.Intn(3))
			if g >= lo && g < hi {
				v = float64(40 + rng.Intn(11))
			}
			if v > 0 {
				entries = append(entries, expr.Entry{Cell: i, Gene: g, Value: v})
			}
		}
	}
	m, err := expr.NewMatrix(cells, genes, entries)
	assert.NoError(t, err)
	return m
}

func testOpts() Opts {
	opts := DefaultOpts
	opts.MinGenesPerCell = 1
	opts.MaxGenesPerCell = 0
	opts.MinCountsPerCell = 1
	opts.MaxMitoFraction = 1
	opts.MinCellsPerGene = 1
	opts.NumFeatures = 20
	opts.DispersionBins = 5
	opts.NumComponents = 5
	opts.UseDims = 5
	opts.Neighbors = 10
	opts.Resolution = 0.5
	opts.Seed = 42
	opts.LayoutIters = 30
	return opts
}

func TestRunEndToEnd(t *testing.T) {
	ctx := vcontext.Background()
	m := twoBlockMatrix(t)
	res, err := Run(ctx, m, testOpts())
	assert.NoError(t, err)

	expect.EQ(t, res.Stats.CellsKept, 100)
	expect.EQ(t, res.Stats.GenesKept, 50)
	expect.EQ(t, res.Clusters.NClusters, 2)

	// The two populations land in different clusters, coherently.
	labels := res.Clusters.Labels
	for i := 1; i < 50; i++ {
		expect.EQ(t, labels[i], labels[0])
	}
	for i := 51; i < 100; i++ {
		expect.EQ(t, labels[i], labels[50])
	}
	expect.True(t, labels[0] != labels[50])

	// Up-regulated markers of each cluster come from its block.
	blockOf := map[int]string{labels[0]: "block0", labels[50]: "block1"}
	for c, recs := range res.Markers.ByCluster {
		for _, r := range recs {
			if !r.Up() {
				continue
			}
			if blockOf[c] == "block0" {
				expect.True(t, r.Gene < 10)
			} else {
				expect.True(t, r.Gene >= 10 && r.Gene < 20)
			}
		}
	}
	// Each cluster has at least one up marker.
	for _, recs := range res.Markers.ByCluster {
		up := 0
		for _, r := range recs {
			if r.Up() {
				up++
			}
		}
		expect.True(t, up > 0)
	}

	expect.EQ(t, len(res.Embedding), 100)
	expect.True(t, res.Stats.VarianceCaptured > 0)
	expect.True(t, res.Stats.Edges > 0)
}

func TestRunDeterministic(t *testing.T) {
	ctx := vcontext.Background()
	m := twoBlockMatrix(t)
	opts := testOpts()
	a, err := Run(ctx, m, opts)
	assert.NoError(t, err)
	b, err := Run(ctx, m, opts)
	assert.NoError(t, err)
	expect.EQ(t, a.Clusters.Labels, b.Clusters.Labels)
	expect.EQ(t, a.Embedding, b.Embedding)
}

func TestRunClampsComponents(t *testing.T) {
	ctx := vcontext.Background()
	m := twoBlockMatrix(t)
	opts := testOpts()
	// More components and dims than the 20 selected features can
	// support; both clamp instead of failing.
	opts.NumComponents = 25
	opts.UseDims = 25
	res, err := Run(ctx, m, opts)
	assert.NoError(t, err)
	expect.EQ(t, res.PCA.NComponents(), 20)
	expect.EQ(t, res.Clusters.NClusters, 2)
	expect.True(t, res.Stats.VarianceCaptured > 0)
}

func TestRunValidatesOpts(t *testing.T) {
	ctx := vcontext.Background()
	m := twoBlockMatrix(t)
	for _, mutate := range []func(*Opts){
		func(o *Opts) { o.Resolution = 0 },
		func(o *Opts) { o.TargetSum = -1 },
		func(o *Opts) { o.MaxGenesPerCell = 10; o.MinGenesPerCell = 20 },
		func(o *Opts) { o.UseDims = o.NumComponents + 1 },
		func(o *Opts) { o.Alpha = 1.5 },
	} {
		opts := testOpts()
		mutate(&opts)
		_, err := Run(ctx, m, opts)
		if _, ok := err.(*expr.ConfigurationError); !ok {
			t.Errorf("want ConfigurationError, got %v", err)
		}
	}
}

func TestOptsYAML(t *testing.T) {
	var opts Opts
	doc := "resolution: 0.8\nneighbors: 30\nmitoPrefix: mt-\nlogTransform: true\n"
	assert.NoError(t, yaml.Unmarshal([]byte(doc), &opts))
	expect.EQ(t, opts.Resolution, 0.8)
	expect.EQ(t, opts.Neighbors, 30)
	expect.EQ(t, opts.MitoPrefix, "mt-")
	expect.True(t, opts.LogTransform)
}

func TestWriteAll(t *testing.T) {
	ctx := vcontext.Background()
	tempDir, cleanup := testutil.TempDir(t, "", "pipeline")
	defer cleanup()

	m := twoBlockMatrix(t)
	res, err := Run(ctx, m, testOpts())
	assert.NoError(t, err)
	assert.NoError(t, WriteAll(ctx, tempDir, res))

	lines := func(name string) []string {
		data, err := ioutil.ReadFile(filepath.Join(tempDir, name))
		assert.NoError(t, err)
		return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	}
	cl := lines(ClustersFile)
	expect.EQ(t, len(cl), 101) // header + 100 cells
	expect.EQ(t, cl[0], "barcode\tsample\tcluster")
	expect.EQ(t, len(lines(EmbeddingFile)), 101)
	expect.EQ(t, len(lines(VarianceFile)), 1+res.PCA.NComponents())
	expect.EQ(t, len(lines(FeaturesFile)), 51)
	mk := lines(MarkersFile)
	expect.EQ(t, len(mk), 1+res.Stats.MarkerRows)
}
