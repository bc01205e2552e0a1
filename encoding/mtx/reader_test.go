package mtx

import (
	"bytes"
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	"github.com/klauspost/compress/gzip"
)

const (
	testMatrix = `%%MatrixMarket matrix coordinate integer general
% generated by a counter
3 2 4
1 1 5
2 1 1
1 2 2
3 2 7
`
	testBarcodes = "AAAC-1\nAAAG-1\n"
	testFeatures = "ENSG000001\tCD3D\tGene Expression\nENSG000002\tCD8A\tGene Expression\nENSG000003\tMT-CO1\tGene Expression\n"
)

func writeFile(t *testing.T, dir, name, data string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	assert.NoError(t, ioutil.WriteFile(path, []byte(data), 0644))
	return path
}

func writeGzFile(t *testing.T, dir, name, data string) string {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write([]byte(data))
	assert.NoError(t, err)
	assert.NoError(t, w.Close())
	path := filepath.Join(dir, name)
	assert.NoError(t, ioutil.WriteFile(path, buf.Bytes(), 0644))
	return path
}

func TestRead(t *testing.T) {
	ctx := vcontext.Background()
	tempDir, cleanup := testutil.TempDir(t, "", "mtx")
	defer cleanup()

	m, err := Read(ctx,
		writeFile(t, tempDir, "matrix.mtx", testMatrix),
		writeFile(t, tempDir, "barcodes.tsv", testBarcodes),
		writeFile(t, tempDir, "features.tsv", testFeatures))
	assert.NoError(t, err)
	expect.EQ(t, m.NCells(), 2)
	expect.EQ(t, m.NGenes(), 3)
	expect.EQ(t, m.NNZ(), 4)
	expect.EQ(t, m.Cells()[0].Barcode, "AAAC-1")
	expect.EQ(t, m.Genes()[0].Name, "CD3D")

	genes, vals := m.CellRange(0)
	expect.EQ(t, genes, []int32{0, 1})
	expect.EQ(t, vals, []float64{5, 1})
	genes, vals = m.CellRange(1)
	expect.EQ(t, genes, []int32{0, 2})
	expect.EQ(t, vals, []float64{2, 7})
}

func TestReadGzip(t *testing.T) {
	ctx := vcontext.Background()
	tempDir, cleanup := testutil.TempDir(t, "", "mtx")
	defer cleanup()

	m, err := Read(ctx,
		writeGzFile(t, tempDir, "matrix.mtx.gz", testMatrix),
		writeGzFile(t, tempDir, "barcodes.tsv.gz", testBarcodes),
		writeGzFile(t, tempDir, "features.tsv.gz", testFeatures))
	assert.NoError(t, err)
	expect.EQ(t, m.NNZ(), 4)
}

func TestReadMismatches(t *testing.T) {
	ctx := vcontext.Background()
	tempDir, cleanup := testutil.TempDir(t, "", "mtx")
	defer cleanup()

	matrixPath := writeFile(t, tempDir, "matrix.mtx", testMatrix)
	featurePath := writeFile(t, tempDir, "features.tsv", testFeatures)

	// Too few barcodes for the declared cell count.
	shortBarcodes := writeFile(t, tempDir, "short.tsv", "AAAC-1\n")
	_, err := Read(ctx, matrixPath, shortBarcodes, featurePath)
	expect.True(t, err != nil)

	// Duplicate barcodes.
	dupBarcodes := writeFile(t, tempDir, "dup.tsv", "AAAC-1\nAAAC-1\n")
	_, err = Read(ctx, matrixPath, dupBarcodes, featurePath)
	expect.True(t, err != nil)

	// Entry count disagrees with the size line.
	badMatrix := writeFile(t, tempDir, "bad.mtx", "%%MatrixMarket matrix coordinate integer general\n3 2 4\n1 1 5\n")
	_, err = Read(ctx, badMatrix,
		writeFile(t, tempDir, "barcodes.tsv", testBarcodes), featurePath)
	expect.True(t, err != nil)
}

func TestReadAnnotations(t *testing.T) {
	ctx := vcontext.Background()
	tempDir, cleanup := testutil.TempDir(t, "", "mtx")
	defer cleanup()

	m, err := Read(ctx,
		writeFile(t, tempDir, "matrix.mtx", testMatrix),
		writeFile(t, tempDir, "barcodes.tsv", testBarcodes),
		writeFile(t, tempDir, "features.tsv", testFeatures))
	assert.NoError(t, err)

	annPath := writeFile(t, tempDir, "ann.tsv",
		"Barcode\tSample\tSubtype\nAAAC-1\tP01\tTNBC\n")
	annotated, err := ReadAnnotations(ctx, annPath, m)
	assert.NoError(t, err)
	expect.EQ(t, annotated.Cells()[0].Sample, "P01")
	expect.EQ(t, annotated.Cells()[0].Subtype, "TNBC")
	// AAAG-1 had no row; annotations stay empty.
	expect.EQ(t, annotated.Cells()[1].Sample, "")
	// Input untouched.
	expect.EQ(t, m.Cells()[0].Sample, "")

	// Columns are matched by header name, not position.
	reordered := writeFile(t, tempDir, "ann2.tsv",
		"Subtype\tBarcode\tSample\nER+\tAAAG-1\tP02\n")
	annotated, err = ReadAnnotations(ctx, reordered, m)
	assert.NoError(t, err)
	expect.EQ(t, annotated.Cells()[1].Sample, "P02")
	expect.EQ(t, annotated.Cells()[1].Subtype, "ER+")
}
