package writer

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"

	"go.uber.org/zap"
)

// defaultWriteChunkBytes bounds intermediate allocations when flushing
// a pre-assembled JSONL buffer, per spec.md §4.4.1.
const defaultWriteChunkBytes = 8 << 20

// JSONLWriter implements PartWriter for the JSONL format.
type JSONLWriter struct {
	prefix      string
	comp        Compression
	level       int
	rotation    Rotation
	lifecycle   PartLifecycle
	log         *zap.Logger
	writeChunk  int
	withChecksum bool

	namer *PartNamer

	file       *os.File
	bufw       *bufio.Writer
	codec      CompressedWriteCloser
	hasher     hash.Hash
	partIndex  int
	partRows   int64
	partBytes  int64
	open       bool
}

// JSONLConfig configures a new JSONLWriter.
type JSONLConfig struct {
	Prefix          string
	Compression     Compression
	CompressionLevel int
	Rotation        Rotation
	WriteChunkBytes int
	Checksum        bool
}

func NewJSONLWriter(cfg JSONLConfig, lifecycle PartLifecycle, log *zap.Logger) *JSONLWriter {
	chunk := cfg.WriteChunkBytes
	if chunk <= 0 {
		chunk = defaultWriteChunkBytes
	}
	return &JSONLWriter{
		prefix:      cfg.Prefix,
		comp:        cfg.Compression,
		level:       cfg.CompressionLevel,
		rotation:    cfg.Rotation,
		lifecycle:   lifecycle,
		log:         log,
		writeChunk:  chunk,
		withChecksum: cfg.Checksum,
		namer: &PartNamer{
			Prefix: cfg.Prefix,
			Ext:    "jsonl",
			Comp:   cfg.Compression,
			Single: cfg.Rotation.SingleFile,
		},
	}
}

func (w *JSONLWriter) openNext() error {
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

	w.file = f
	w.codec = codec
	w.bufw = bufio.NewWriterSize(codec, w.writeChunk)
	w.partIndex = idx
	w.partRows = 0
	w.partBytes = 0
	w.open = true
	return nil
}

// WriteMany appends batch to the current part, writing in chunks
// bounded by writeChunk to limit intermediate allocations, per
// spec.md §4.4.1.
func (w *JSONLWriter) WriteMany(batch Batch) error {
	if !w.open {
		if err := w.openNext(); err != nil {
			return err
		}
	}

	var rows int64
	var n int
	if batch.JSONLBytes != nil {
		rows = int64(bytes.Count(batch.JSONLBytes, []byte{'\n'}))
		var written int
		for written < len(batch.JSONLBytes) {
			end := written + w.writeChunk
			if end > len(batch.JSONLBytes) {
				end = len(batch.JSONLBytes)
			}
			nw, err := w.bufw.Write(batch.JSONLBytes[written:end])
			if err != nil {
				return fmt.Errorf("write jsonl chunk: %w", err)
			}
			written += nw
		}
		n = len(batch.JSONLBytes)
	} else {
		for _, doc := range batch.Docs {
			b, err := doc.MarshalJSON()
			if err != nil {
				return fmt.Errorf("marshal document: %w", err)
			}
			if _, err := w.bufw.Write(b); err != nil {
				return fmt.Errorf("write jsonl row: %w", err)
			}
			if _, err := w.bufw.Write([]byte{'\n'}); err != nil {
				return fmt.Errorf("write jsonl newline: %w", err)
			}
			n += len(b) + 1
		}
		rows = int64(len(batch.Docs))
	}

	if err := w.bufw.Flush(); err != nil {
		return fmt.Errorf("flush jsonl buffer: %w", err)
	}

	w.partRows += rows
	w.partBytes += int64(n)
	if err := w.lifecycle.AddProgressToPart(w.partIndex, rows, int64(n)); err != nil {
		return fmt.Errorf("record progress: %w", err)
	}

	return w.maybeRotate()
}

func (w *JSONLWriter) maybeRotate() error {
	if w.rotation.SingleFile {
		return nil
	}
	size := w.currentSize()
	if w.rotation.RotateBytes > 0 && size >= w.rotation.RotateBytes {
		if err := w.finalizeCurrent(); err != nil {
			return err
		}
	}
	return nil
}

// currentSize prefers the raw on-disk file size (post-compression)
// when available, falling back to the tracked byte counter, per
// spec.md §4.4's rotation rule.
func (w *JSONLWriter) currentSize() int64 {
	if w.file != nil {
		if info, err := w.file.Stat(); err == nil {
			return info.Size()
		}
	}
	return w.partBytes
}

func (w *JSONLWriter) finalizeCurrent() error {
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

// Close finalizes the current part from any non-closed state.
func (w *JSONLWriter) Close() error {
	return w.finalizeCurrent()
}
