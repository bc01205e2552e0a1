// Package mtx reads the sparse count-matrix triple produced by common
// single-cell quantification tools: a MatrixMarket coordinate file
// (genes x cells), a barcode list, and a feature list, each optionally
// gzip-compressed, plus an optional per-cell annotation table. Paths are
// opened through grailbio/base/file, so s3:// locations work wherever a
// local path does.
package mtx

import (
	"bufio"
	"context"
	"io"
	"strconv"
	"strings"

	farm "github.com/dgryski/go-farm"
	"github.com/grailbio/base/compress"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	"github.com/sclabs/scrna/expr"
)

// maxLineLen bounds scanner buffers; annotation rows are short but
// feature files occasionally carry long attribute columns.
const maxLineLen = 1 << 20

// Read loads the matrix triple. The MatrixMarket file must be in
// coordinate form with genes as rows and cells as columns, 1-based
// indices, matching the feature and barcode files' line counts.
func Read(ctx context.Context, matrixPath, barcodePath, featurePath string) (*expr.Matrix, error) {
	barcodes, err := readBarcodes(ctx, barcodePath)
	if err != nil {
		return nil, err
	}
	genes, err := readFeatures(ctx, featurePath)
	if err != nil {
		return nil, err
	}
	entries, nGenes, nCells, err := readCoords(ctx, matrixPath)
	if err != nil {
		return nil, err
	}
	if nGenes != len(genes) {
		return nil, errors.Errorf("mtx: %s declares %d genes but %s lists %d", matrixPath, nGenes, featurePath, len(genes))
	}
	if nCells != len(barcodes) {
		return nil, errors.Errorf("mtx: %s declares %d cells but %s lists %d", matrixPath, nCells, barcodePath, len(barcodes))
	}
	m, err := expr.NewMatrix(barcodes, genes, entries)
	if err != nil {
		return nil, errors.Wrapf(err, "mtx: %s", matrixPath)
	}
	log.Printf("mtx: loaded %d cells x %d genes, %d nonzeros", m.NCells(), m.NGenes(), m.NNZ())
	return m, nil
}

// ReadAnnotations joins a per-cell annotation table (tab-separated with a
// Barcode/Sample/Subtype header) onto m's cells by barcode. Cells without
// a row keep empty annotations; their count is logged.
func ReadAnnotations(ctx context.Context, path string, m *expr.Matrix) (*expr.Matrix, error) {
	in, closeIn, err := openReader(ctx, path)
	if err != nil {
		return nil, err
	}
	defer closeIn()

	r := tsv.NewReader(in)
	r.HasHeaderRow = true
	r.UseHeaderNames = true
	type annRow struct {
		Barcode string
		Sample  string
		Subtype string
	}
	byBarcode := map[string]annRow{}
	for {
		var row annRow
		if err := r.Read(&row); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.Wrapf(err, "mtx: read annotations %s", path)
		}
		byBarcode[row.Barcode] = row
	}

	cells := make([]expr.CellInfo, m.NCells())
	copy(cells, m.Cells())
	missing := 0
	for i := range cells {
		row, ok := byBarcode[cells[i].Barcode]
		if !ok {
			missing++
			continue
		}
		cells[i].Sample = row.Sample
		cells[i].Subtype = row.Subtype
	}
	if missing > 0 {
		log.Error.Printf("mtx: %d/%d barcodes have no annotation row in %s", missing, len(cells), path)
	}
	return m.WithCells(cells), nil
}

// readBarcodes reads one barcode per line and rejects duplicates, which
// would silently merge unrelated cells downstream. Duplicate detection
// hashes barcodes and falls back to a string compare on hash collision.
func readBarcodes(ctx context.Context, path string) ([]expr.CellInfo, error) {
	in, closeIn, err := openReader(ctx, path)
	if err != nil {
		return nil, err
	}
	defer closeIn()

	var cells []expr.CellInfo
	seen := map[uint64][]int{}
	sc := newScanner(in)
	for sc.Scan() {
		b := strings.TrimSpace(sc.Text())
		if b == "" {
			continue
		}
		h := farm.Hash64([]byte(b))
		for _, prev := range seen[h] {
			if cells[prev].Barcode == b {
				return nil, errors.Errorf("mtx: duplicate barcode %q in %s", b, path)
			}
		}
		seen[h] = append(seen[h], len(cells))
		cells = append(cells, expr.CellInfo{Barcode: b})
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrapf(err, "mtx: read barcodes %s", path)
	}
	if len(cells) == 0 {
		return nil, errors.Errorf("mtx: no barcodes in %s", path)
	}
	return cells, nil
}

// readFeatures reads one gene per line. 10x-style files carry
// "id<TAB>name<TAB>type"; the human-readable name column is used when
// present.
func readFeatures(ctx context.Context, path string) ([]expr.GeneInfo, error) {
	in, closeIn, err := openReader(ctx, path)
	if err != nil {
		return nil, err
	}
	defer closeIn()

	var genes []expr.GeneInfo
	sc := newScanner(in)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		cols := strings.Split(line, "\t")
		name := cols[0]
		if len(cols) > 1 && cols[1] != "" {
			name = cols[1]
		}
		genes = append(genes, expr.GeneInfo{Name: name, DispersionRank: -1})
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrapf(err, "mtx: read features %s", path)
	}
	if len(genes) == 0 {
		return nil, errors.Errorf("mtx: no features in %s", path)
	}
	return genes, nil
}

// readCoords parses the MatrixMarket body: a size line "genes cells nnz"
// followed by 1-based "gene cell value" entries.
func readCoords(ctx context.Context, path string) ([]expr.Entry, int, int, error) {
	in, closeIn, err := openReader(ctx, path)
	if err != nil {
		return nil, 0, 0, err
	}
	defer closeIn()

	sc := newScanner(in)
	var (
		entries        []expr.Entry
		nGenes, nCells int
		declared       = -1
		lineNo         int
	)
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "%") {
			continue
		}
		fields := strings.Fields(line)
		if declared < 0 {
			if len(fields) != 3 {
				return nil, 0, 0, errors.Errorf("mtx: %s:%d: malformed size line %q", path, lineNo, line)
			}
			var nnz int
			if nGenes, err = strconv.Atoi(fields[0]); err == nil {
				if nCells, err = strconv.Atoi(fields[1]); err == nil {
					nnz, err = strconv.Atoi(fields[2])
				}
			}
			if err != nil {
				return nil, 0, 0, errors.Wrapf(err, "mtx: %s:%d: size line", path, lineNo)
			}
			declared = nnz
			entries = make([]expr.Entry, 0, nnz)
			continue
		}
		if len(fields) != 3 {
			return nil, 0, 0, errors.Errorf("mtx: %s:%d: malformed entry %q", path, lineNo, line)
		}
		gene, err1 := strconv.Atoi(fields[0])
		cell, err2 := strconv.Atoi(fields[1])
		val, err3 := strconv.ParseFloat(fields[2], 64)
		if err1 != nil || err2 != nil || err3 != nil {
			return nil, 0, 0, errors.Errorf("mtx: %s:%d: malformed entry %q", path, lineNo, line)
		}
		entries = append(entries, expr.Entry{Cell: cell - 1, Gene: gene - 1, Value: val})
	}
	if err := sc.Err(); err != nil {
		return nil, 0, 0, errors.Wrapf(err, "mtx: read %s", path)
	}
	if declared < 0 {
		return nil, 0, 0, errors.Errorf("mtx: %s: missing size line", path)
	}
	if len(entries) != declared {
		return nil, 0, 0, errors.Errorf("mtx: %s: size line declares %d entries, found %d", path, declared, len(entries))
	}
	return entries, nGenes, nCells, nil
}

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineLen)
	return sc
}

// openReader opens path and layers decompression: an explicit gzip path
// for .gz names, otherwise format sniffing via base/compress.
func openReader(ctx context.Context, path string) (io.Reader, func(), error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "mtx: open %s", path)
	}
	closeIn := func() {
		if err := in.Close(ctx); err != nil {
			log.Error.Printf("mtx: close %s: %v", path, err)
		}
	}
	r := io.Reader(in.Reader(ctx))
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(r)
		if err != nil {
			closeIn()
			return nil, nil, errors.Wrapf(err, "mtx: gunzip %s", path)
		}
		return gz, closeIn, nil
	}
	if u := compress.NewReaderPath(r, in.Name()); u != nil {
		r = u
	}
	return r, closeIn, nil
}
