// Package writer implements the format-agnostic writer contract from
// spec.md §4.4: consume batches, serialize and compress to files,
// rotate by size, and report progress through the manifest.
package writer

import (
	"fmt"

	"github.com/purplelight/snapshot/internal/document"
)

// Batch is what the queue hands the writer: either a pre-assembled
// JSONL byte buffer (the reader's fast path) or a slice of documents.
type Batch struct {
	// JSONLBytes is set for the JSONL fast path; Docs is set otherwise.
	JSONLBytes []byte
	Docs       []*document.Document
	// Rows is the row count, used when JSONLBytes doesn't carry a
	// 1:1 document count (it always does here, but is tracked
	// explicitly per spec.md's "inferred... by counting newlines"
	// fallback rule).
	Rows int
}

// PartLifecycle is the manifest-facing side of rotation: opening a
// part, reporting progress, and completing it. Implemented by
// *manifest.Manifest; kept as an interface here so writer tests don't
// need a real manifest.
type PartLifecycle interface {
	OpenPart(path string) (int, error)
	AddProgressToPart(index int, rowsDelta, bytesDelta int64) error
	CompletePart(index int, bytes, rows int64, checksum string) error
}

// Rotation controls how a writer decides to start a new output file.
type Rotation struct {
	SingleFile bool
	RotateRows int64 // Parquet only; 0 means unbounded
	RotateBytes int64
}

// Compression selects the requested/effective codec, per spec.md §4.4.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionZstd
)

func (c Compression) Extension() string {
	switch c {
	case CompressionZstd:
		return ".zst"
	case CompressionGzip:
		return ".gz"
	default:
		return ""
	}
}

func (c Compression) String() string {
	switch c {
	case CompressionZstd:
		return "zstd"
	case CompressionGzip:
		return "gzip"
	default:
		return "none"
	}
}

// ParseCompression maps a requested compression name to a
// Compression, erroring on unknown values per spec.md §7.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "zstd":
		return CompressionZstd, nil
	case "gzip":
		return CompressionGzip, nil
	case "none", "":
		return CompressionNone, nil
	default:
		return CompressionNone, fmt.Errorf("unknown compression %q", s)
	}
}

// PartWriter is the state machine every format writer implements:
// Uninitialized -> Open(part=k) -> [Writing(part=k)]* ->
// Finalizing(part=k) -> Open(part=k+1) | Closed.
type PartWriter interface {
	// WriteMany appends a batch to the current part, then rotates if
	// the part has reached its size (or, for Parquet, row) limit.
	WriteMany(batch Batch) error
	// Close finalizes the current part and releases resources.
	Close() error
}

// PartNamer produces file names for single-file and by-size modes per
// spec.md §4.4's "File naming" rule.
type PartNamer struct {
	Prefix string
	Ext    string
	Comp   Compression
	Single bool
	seq    int
}

// Next returns the path for the next part and advances the sequence.
func (n *PartNamer) Next() string {
	if n.Single {
		return fmt.Sprintf("%s.%s%s", n.Prefix, n.Ext, n.Comp.Extension())
	}
	path := fmt.Sprintf("%s-part-%06d.%s%s", n.Prefix, n.seq, n.Ext, n.Comp.Extension())
	n.seq++
	return path
}
