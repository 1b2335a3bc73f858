package writer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"sort"

	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/schema"
	"go.uber.org/zap"

	"github.com/purplelight/snapshot/internal/document"
)

// parquetColKind is the physical Parquet type chosen for an inferred
// column, decided from the column's values in the first batch: int64,
// float64 and bool values map to their own Parquet types, anything else
// (null included) to a string column, and a column whose values
// disagree falls back to string (spec.md §4.4.3: "Column inference is
// identical to CSV").
type parquetColKind int

const (
	colString parquetColKind = iota
	colInt64
	colDouble
	colBool
)

type parquetColumn struct {
	name string
	kind parquetColKind
}

// ParquetWriter implements PartWriter for Apache Parquet, per
// spec.md §4.4.3.
type ParquetWriter struct {
	prefix      string
	comp        Compression
	rotation    Rotation
	rowGroupSize int
	lifecycle   PartLifecycle
	log         *zap.Logger
	withChecksum bool

	namer *PartNamer

	columns []parquetColumn // fixed after first inference

	file      *os.File
	hasher    hash.Hash
	w         *file.Writer
	partIndex int
	partRows  int64
	rowsInFile int64
	open      bool

	// row buffer, column-major, built up to rowGroupSize before flush
	buf [][]document.Value // buf[col][row]
}

type ParquetConfig struct {
	Prefix           string
	Compression      Compression
	RowGroupSize     int // default 10000
	Rotation         Rotation
	Checksum         bool
}

func NewParquetWriter(cfg ParquetConfig, lifecycle PartLifecycle, log *zap.Logger) *ParquetWriter {
	rg := cfg.RowGroupSize
	if rg <= 0 {
		rg = 10000
	}
	return &ParquetWriter{
		prefix:       cfg.Prefix,
		comp:         cfg.Compression,
		rotation:     cfg.Rotation,
		rowGroupSize: rg,
		lifecycle:    lifecycle,
		log:          log,
		withChecksum: cfg.Checksum,
		namer: &PartNamer{
			Prefix: cfg.Prefix,
			Ext:    "parquet",
			Comp:   CompressionNone, // parquet carries its own internal compression, not a file-level wrapper
			Single: cfg.Rotation.SingleFile,
		},
	}
}

func parquetCodec(c Compression) compress.Compression {
	switch c {
	case CompressionZstd:
		return compress.Codecs.Zstd
	case CompressionGzip:
		return compress.Codecs.Gzip
	default:
		return compress.Codecs.Uncompressed
	}
}

func inferParquetColumns(docs []*document.Document) []parquetColumn {
	order := []string{}
	kinds := map[string]parquetColKind{}
	known := map[string]bool{}
	hasID := false

	classify := func(v document.Value) parquetColKind {
		switch v.Kind {
		case document.KindInt64:
			return colInt64
		case document.KindFloat64:
			return colDouble
		case document.KindBool:
			return colBool
		default:
			return colString
		}
	}

	for _, d := range docs {
		for _, k := range d.Keys() {
			if k == "_id" {
				hasID = true
				continue
			}
			v, _ := d.Get(k)
			kind := classify(v)
			if !known[k] {
				known[k] = true
				kinds[k] = kind
				order = append(order, k)
			} else if kinds[k] != kind {
				kinds[k] = colString // mixed types degrade to string rendering
			}
		}
	}
	sort.Strings(order)

	cols := make([]parquetColumn, 0, len(order)+1)
	if hasID {
		cols = append(cols, parquetColumn{name: "_id", kind: colString})
	}
	for _, k := range order {
		cols = append(cols, parquetColumn{name: k, kind: kinds[k]})
	}
	return cols
}

func buildSchema(cols []parquetColumn) (*schema.GroupNode, error) {
	fields := make([]schema.Node, len(cols))
	for i, c := range cols {
		var ptype parquet.Type
		switch c.kind {
		case colInt64:
			ptype = parquet.Types.Int64
		case colDouble:
			ptype = parquet.Types.Double
		case colBool:
			ptype = parquet.Types.Boolean
		default:
			ptype = parquet.Types.ByteArray
		}
		node, err := schema.NewPrimitiveNodeLogical(c.name, parquet.Repetitions.Optional, nil, ptype, 0, -1)
		if err != nil {
			return nil, fmt.Errorf("build column %q: %w", c.name, err)
		}
		fields[i] = node
	}
	return schema.NewGroupNode("schema", parquet.Repetitions.Required, fields, -1)
}

func (w *ParquetWriter) openNext(cols []parquetColumn) error {
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

	node, err := buildSchema(cols)
	if err != nil {
		f.Close()
		return err
	}

	opts := []parquet.WriterProperty{parquet.WithCompression(parquetCodec(w.comp))}
	props := parquet.NewWriterProperties(opts...)

	var dest io.Writer = f
	if w.withChecksum {
		w.hasher = sha256.New()
		dest = io.MultiWriter(f, w.hasher)
	}

	pw := file.NewParquetWriter(dest, node, file.WithWriterProps(props))

	w.file = f
	w.w = pw
	w.columns = cols
	w.partIndex = idx
	w.partRows = 0
	w.rowsInFile = 0
	w.buf = make([][]document.Value, len(cols))
	w.open = true
	return nil
}

// WriteMany buffers batch's documents column-major and flushes
// complete row groups of rowGroupSize, per spec.md §4.4.3.
func (w *ParquetWriter) WriteMany(batch Batch) error {
	if w.columns == nil {
		w.columns = inferParquetColumns(batch.Docs)
	}
	if !w.open {
		if err := w.openNext(w.columns); err != nil {
			return err
		}
	}

	for _, doc := range batch.Docs {
		for i, col := range w.columns {
			v, ok := doc.Get(col.name)
			if !ok {
				v = document.Null()
			}
			w.buf[i] = append(w.buf[i], v)
		}
	}

	for len(w.buf[0]) >= w.rowGroupSize {
		n := w.rowGroupSize
		if limit := w.rotation.RotateRows; limit > 0 && !w.rotation.SingleFile && int64(n) > limit-w.rowsInFile {
			n = int(limit - w.rowsInFile) // split the group at the part's row limit
		}
		if err := w.flushRowGroup(n); err != nil {
			return err
		}
		if err := w.maybeRotate(); err != nil {
			return err
		}
		if !w.open {
			// maybeRotate finalized and closed the current part; reopen
			// before any further buffered rows are flushed into it.
			if err := w.openNext(w.columns); err != nil {
				return err
			}
		}
	}
	return nil
}

// flushRowGroup writes the first n buffered rows as one row group and
// removes them from the buffer. When rotate_rows would be exceeded,
// callers must have already capped n so the final flush in a part
// never exceeds the limit (spec.md §4.4.3).
func (w *ParquetWriter) flushRowGroup(n int) error {
	if n == 0 || len(w.buf) == 0 {
		return nil
	}
	rgw := w.w.AppendRowGroup()
	for i, col := range w.columns {
		cw, err := rgw.NextColumn()
		if err != nil {
			return fmt.Errorf("next column %q: %w", col.name, err)
		}
		if err := writeColumnBatch(cw, col.kind, w.buf[i][:n]); err != nil {
			cw.Close()
			return fmt.Errorf("write column %q: %w", col.name, err)
		}
		cw.Close()
	}
	if err := rgw.Close(); err != nil {
		return fmt.Errorf("close row group: %w", err)
	}

	for i := range w.buf {
		w.buf[i] = w.buf[i][n:]
	}
	w.partRows += int64(n)
	w.rowsInFile += int64(n)
	return w.lifecycle.AddProgressToPart(w.partIndex, int64(n), 0)
}

func writeColumnBatch(cw file.ColumnChunkWriter, kind parquetColKind, vals []document.Value) error {
	defLevels := make([]int16, len(vals))
	for i, v := range vals {
		if v.Kind == document.KindNull {
			defLevels[i] = 0
		} else {
			defLevels[i] = 1
		}
	}

	switch kind {
	case colInt64:
		w, ok := cw.(*file.Int64ColumnChunkWriter)
		if !ok {
			return fmt.Errorf("unexpected column writer type for int64 column")
		}
		buf := make([]int64, 0, len(vals))
		for _, v := range vals {
			if v.Kind != document.KindNull {
				buf = append(buf, v.Int64)
			}
		}
		_, err := w.WriteBatch(buf, defLevels, nil)
		return err
	case colDouble:
		w, ok := cw.(*file.Float64ColumnChunkWriter)
		if !ok {
			return fmt.Errorf("unexpected column writer type for double column")
		}
		buf := make([]float64, 0, len(vals))
		for _, v := range vals {
			if v.Kind != document.KindNull {
				buf = append(buf, v.Float64)
			}
		}
		_, err := w.WriteBatch(buf, defLevels, nil)
		return err
	case colBool:
		w, ok := cw.(*file.BooleanColumnChunkWriter)
		if !ok {
			return fmt.Errorf("unexpected column writer type for boolean column")
		}
		buf := make([]bool, 0, len(vals))
		for _, v := range vals {
			if v.Kind != document.KindNull {
				buf = append(buf, v.Bool)
			}
		}
		_, err := w.WriteBatch(buf, defLevels, nil)
		return err
	default:
		w, ok := cw.(*file.ByteArrayColumnChunkWriter)
		if !ok {
			return fmt.Errorf("unexpected column writer type for string column")
		}
		buf := make([]parquet.ByteArray, 0, len(vals))
		for _, v := range vals {
			if v.Kind == document.KindNull {
				continue
			}
			s, err := document.CSVCell(v)
			if err != nil {
				return err
			}
			buf = append(buf, parquet.ByteArray(s))
		}
		_, err := w.WriteBatch(buf, defLevels, nil)
		return err
	}
}

func (w *ParquetWriter) maybeRotate() error {
	if w.rotation.SingleFile {
		return nil
	}
	limit := w.rotation.RotateRows
	sizeExceeded := w.rotation.RotateBytes > 0 && w.currentSize() >= w.rotation.RotateBytes
	rowsExceeded := limit > 0 && w.rowsInFile >= limit
	if sizeExceeded || rowsExceeded {
		return w.finalizeCurrent()
	}
	return nil
}

func (w *ParquetWriter) currentSize() int64 {
	if w.file != nil {
		if info, err := w.file.Stat(); err == nil {
			return info.Size()
		}
	}
	return 0
}

// flushRemainder writes any buffered rows shorter than a full row
// group, capping at RotateRows when configured so the final flush in
// a part never exceeds the limit.
func (w *ParquetWriter) flushRemainder() error {
	for len(w.buf) > 0 && len(w.buf[0]) > 0 {
		n := len(w.buf[0])
		if limit := w.rotation.RotateRows; limit > 0 && !w.rotation.SingleFile {
			remaining := limit - w.rowsInFile
			if remaining <= 0 {
				// Current file already at its row limit: rotate before
				// writing more.
				if err := w.finalizeCurrent(); err != nil {
					return err
				}
				if err := w.openNext(w.columns); err != nil {
					return err
				}
				remaining = limit
			}
			if int64(n) > remaining {
				n = int(remaining)
			}
		}
		if err := w.flushRowGroup(n); err != nil {
			return err
		}
	}
	return nil
}

func (w *ParquetWriter) finalizeCurrent() error {
	if !w.open {
		return nil
	}
	if err := w.w.Close(); err != nil {
		return fmt.Errorf("close parquet writer: %w", err)
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

// Close flushes any remaining buffered rows and finalizes the current
// part.
func (w *ParquetWriter) Close() error {
	if err := w.flushRemainder(); err != nil {
		return err
	}
	return w.finalizeCurrent()
}
