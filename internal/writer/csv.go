package writer

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"sort"

	"go.uber.org/zap"

	"github.com/purplelight/snapshot/internal/document"
)

// CSVWriter implements PartWriter for the RFC-4180 CSV format
// described in spec.md §4.4.2 and §6.
type CSVWriter struct {
	prefix    string
	comp      Compression
	level     int
	rotation  Rotation
	lifecycle PartLifecycle
	log       *zap.Logger
	withChecksum bool
	noHeader  bool
	columns   []string // configured or inferred from the first batch

	namer *PartNamer

	file      *os.File
	codec     CompressedWriteCloser
	csvw      *csv.Writer
	counter   *countingWriter
	hasher    hash.Hash
	partIndex int
	partRows  int64
	open      bool
	headerWritten bool
}

type CSVConfig struct {
	Prefix           string
	Compression      Compression
	CompressionLevel int
	Rotation         Rotation
	Columns          []string // nil to infer from the first batch
	NoHeader         bool
	Checksum         bool
}

func NewCSVWriter(cfg CSVConfig, lifecycle PartLifecycle, log *zap.Logger) *CSVWriter {
	return &CSVWriter{
		prefix:      cfg.Prefix,
		comp:        cfg.Compression,
		level:       cfg.CompressionLevel,
		rotation:    cfg.Rotation,
		lifecycle:   lifecycle,
		log:         log,
		columns:     cfg.Columns,
		noHeader:    cfg.NoHeader,
		withChecksum: cfg.Checksum,
		namer: &PartNamer{
			Prefix: cfg.Prefix,
			Ext:    "csv",
			Comp:   cfg.Compression,
			Single: cfg.Rotation.SingleFile,
		},
	}
}

// countingWriter tracks bytes written when the underlying compressed
// stream offers no direct way to observe its output size, per
// spec.md §4.4.2's "write-intercepting wrapper" fallback.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func inferColumns(docs []*document.Document) []string {
	seen := map[string]bool{}
	var rest []string
	hasID := false
	for _, d := range docs {
		for _, k := range d.SortedKeys() {
			if k == "_id" {
				hasID = true
				continue
			}
			if !seen[k] {
				seen[k] = true
				rest = append(rest, k)
			}
		}
	}
	// Re-sort the union since interleaving multiple documents' sorted
	// keys does not itself produce a sorted union.
	sort.Strings(rest)
	if hasID {
		return append([]string{"_id"}, rest...)
	}
	return rest
}

func (w *CSVWriter) openNext() error {
	path := w.namer.Next()
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create part %s: %w", path, err)
	}
	idx, err := w.lifecycle.OpenPart(path)
	if err != nil {
		f.Close()
		return fmt.Errorf("register part %s: %w", path, err)
	}

	var codec CompressedWriteCloser
	var effective Compression
	if w.withChecksum {
		w.hasher = sha256.New()
		codec, effective, err = NewCodec(io.MultiWriter(f, w.hasher), w.comp, w.level, w.log)
	} else {
		codec, effective, err = NewCodec(f, w.comp, w.level, w.log)
	}
	if err != nil {
		f.Close()
		return fmt.Errorf("init codec for %s: %w", path, err)
	}
	w.comp = effective

	w.counter = &countingWriter{w: codec}
	w.file = f
	w.codec = codec
	w.csvw = csv.NewWriter(w.counter)
	w.partIndex = idx
	w.partRows = 0
	w.headerWritten = false
	w.open = true
	return nil
}

// WriteMany appends batch to the current part, inferring columns from
// the first batch if not already configured (spec.md §4.4.2 and the
// open question in §9 about this limitation).
func (w *CSVWriter) WriteMany(batch Batch) error {
	if !w.open {
		if err := w.openNext(); err != nil {
			return err
		}
	}

	startBytes := w.counter.n
	if w.columns == nil {
		w.columns = inferColumns(batch.Docs)
	}
	if !w.headerWritten && !w.noHeader {
		if err := w.csvw.Write(w.columns); err != nil {
			return fmt.Errorf("write csv header: %w", err)
		}
		w.headerWritten = true
	}

	for _, doc := range batch.Docs {
		row := make([]string, len(w.columns))
		for i, col := range w.columns {
			v, ok := doc.Get(col)
			if !ok {
				row[i] = ""
				continue
			}
			cell, err := document.CSVCell(v)
			if err != nil {
				return fmt.Errorf("render column %q: %w", col, err)
			}
			row[i] = cell
		}
		if err := w.csvw.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	w.csvw.Flush()
	if err := w.csvw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}

	rows := int64(len(batch.Docs))
	w.partRows += rows
	if err := w.lifecycle.AddProgressToPart(w.partIndex, rows, w.counter.n-startBytes); err != nil {
		return fmt.Errorf("record progress: %w", err)
	}

	return w.maybeRotate()
}

func (w *CSVWriter) maybeRotate() error {
	if w.rotation.SingleFile {
		return nil
	}
	size := w.currentSize()
	if w.rotation.RotateBytes > 0 && size >= w.rotation.RotateBytes {
		return w.finalizeCurrent()
	}
	return nil
}

func (w *CSVWriter) currentSize() int64 {
	if w.file != nil {
		if info, err := w.file.Stat(); err == nil {
			return info.Size()
		}
	}
	return w.counter.n
}

func (w *CSVWriter) finalizeCurrent() error {
	if !w.open {
		return nil
	}
	if err := w.codec.Close(); err != nil {
		return fmt.Errorf("close codec: %w", err)
	}
	size := w.currentSize()
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close part file: %w", err)
	}

	checksum := ""
	if w.withChecksum && w.hasher != nil {
		checksum = hex.EncodeToString(w.hasher.Sum(nil))
	}
	if err := w.lifecycle.CompletePart(w.partIndex, size, w.partRows, checksum); err != nil {
		return fmt.Errorf("complete part: %w", err)
	}
	w.open = false
	return nil
}

func (w *CSVWriter) Close() error {
	return w.finalizeCurrent()
}
