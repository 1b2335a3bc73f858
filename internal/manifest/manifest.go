// Package manifest implements the durable, atomically-updated run
// record described in spec.md §4.5: per-partition checkpoints and
// per-part progress sufficient to resume an interrupted snapshot
// without duplication.
package manifest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap/failpoint"

	"github.com/purplelight/snapshot/internal/retry"
)

// Partition is one entry in the manifest's partitions array.
type Partition struct {
	Index           int         `json:"index"`
	LastIDExclusive interface{} `json:"last_id_exclusive"`
	Completed       bool        `json:"completed"`
}

// Part is one entry in the manifest's parts array.
type Part struct {
	Index    int    `json:"index"`
	Path     string `json:"path"`
	Bytes    int64  `json:"bytes"`
	Rows     int64  `json:"rows"`
	Complete bool   `json:"complete"`
	Checksum string `json:"checksum,omitempty"`
}

// Document is the on-disk manifest schema from spec.md §3.
type Document struct {
	Version     int         `json:"version"`
	RunID       string      `json:"run_id"`
	CreatedAt   time.Time   `json:"created_at"`
	Collection  string      `json:"collection"`
	Format      string      `json:"format"`
	Compression string      `json:"compression"`
	QueryDigest string      `json:"query_digest"`
	Options     interface{} `json:"options"`
	Partitions  []Partition `json:"partitions"`
	Parts       []Part      `json:"parts"`
}

// Manifest guards a Document behind a single mutex, matching spec.md
// §4.5's thread-safety contract: all mutating operations are
// serialized under one lock.
type Manifest struct {
	path string

	mu   sync.Mutex
	doc  Document

	lastProgressSave time.Time
	progressInterval time.Duration
}

// Load reads an existing manifest from path, or returns
// os.ErrNotExist-wrapping error if none exists yet.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return &Manifest{path: path, doc: doc, progressInterval: 2 * time.Second}, nil
}

// New creates a fresh manifest for a new run.
func New(path, collection, format, compression, queryDigest string, options interface{}) *Manifest {
	return &Manifest{
		path: path,
		doc: Document{
			Version:     1,
			RunID:       uuid.NewString(),
			CreatedAt:   time.Now().UTC(),
			Collection:  collection,
			Format:      format,
			Compression: compression,
			QueryDigest: queryDigest,
			Options:     options,
		},
		progressInterval: 2 * time.Second,
	}
}

// QueryDigest computes the SHA-256 hex digest of the canonical JSON of
// {query, projection}, per spec.md §3.
func QueryDigest(query, projection interface{}) (string, error) {
	canon := struct {
		Query      interface{} `json:"query"`
		Projection interface{} `json:"projection"`
	}{query, projection}
	b, err := json.Marshal(canon)
	if err != nil {
		return "", fmt.Errorf("canonicalize query digest input: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// CompatibleWith checks the four fields that pin resumability.
func (m *Manifest) CompatibleWith(collection, format, compression, queryDigest string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doc.Collection == collection &&
		m.doc.Format == format &&
		m.doc.Compression == compression &&
		m.doc.QueryDigest == queryDigest
}

// Reset replaces the manifest's configuration and clears partitions
// and parts, used when resume_overwrite_incompatible is set.
func (m *Manifest) Reset(collection, format, compression, queryDigest string, options interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc = Document{
		Version:     1,
		RunID:       uuid.NewString(),
		CreatedAt:   time.Now().UTC(),
		Collection:  collection,
		Format:      format,
		Compression: compression,
		QueryDigest: queryDigest,
		Options:     options,
	}
}

// Initialized reports whether this manifest has ever had its
// partitions array populated, i.e. whether it represents a resumable
// prior run rather than a freshly created one.
func (m *Manifest) Initialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.doc.Partitions) > 0
}

// EnsurePartitions idempotently initializes the partitions array; it
// does nothing if already populated.
func (m *Manifest) EnsurePartitions(n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.doc.Partitions) > 0 {
		return nil
	}
	m.doc.Partitions = make([]Partition, n)
	for i := range m.doc.Partitions {
		m.doc.Partitions[i] = Partition{Index: i}
	}
	return m.saveLocked()
}

// PartitionCheckpoint returns the stored checkpoint for a partition,
// or nil if none has been recorded yet.
func (m *Manifest) PartitionCheckpoint(index int) interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.doc.Partitions) {
		return nil
	}
	return m.doc.Partitions[index].LastIDExclusive
}

// PartitionCompleted reports whether a partition has already been
// marked complete by a prior run.
func (m *Manifest) PartitionCompleted(index int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.doc.Partitions) {
		return false
	}
	return m.doc.Partitions[index].Completed
}

// UpdatePartitionCheckpoint persists the partition's new last-seen
// _id immediately (never throttled), per spec.md §4.5.
func (m *Manifest) UpdatePartitionCheckpoint(index int, lastID interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.doc.Partitions) {
		return fmt.Errorf("partition index %d out of range", index)
	}
	m.doc.Partitions[index].LastIDExclusive = lastID
	return m.saveLocked()
}

// MarkPartitionComplete persists completion immediately, per spec.md
// §4.5. A partition already completed will not be reopened by any
// future run of the same manifest.
func (m *Manifest) MarkPartitionComplete(index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.doc.Partitions) {
		return fmt.Errorf("partition index %d out of range", index)
	}
	m.doc.Partitions[index].Completed = true
	return m.saveLocked()
}

// OpenPart appends a new part record and returns its index.
func (m *Manifest) OpenPart(path string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := len(m.doc.Parts)
	m.doc.Parts = append(m.doc.Parts, Part{Index: idx, Path: path})
	if err := m.saveLocked(); err != nil {
		return 0, err
	}
	return idx, nil
}

// AddProgressToPart increments a part's row/byte counters. Writes may
// be throttled to roughly a 2-second interval to reduce I/O pressure,
// per spec.md §4.5.
func (m *Manifest) AddProgressToPart(index int, rowsDelta, bytesDelta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.doc.Parts) {
		return fmt.Errorf("part index %d out of range", index)
	}
	m.doc.Parts[index].Rows += rowsDelta
	m.doc.Parts[index].Bytes += bytesDelta

	if time.Since(m.lastProgressSave) < m.progressInterval {
		return nil
	}
	m.lastProgressSave = time.Now()
	return m.saveLocked()
}

// CompletePart marks a part complete and persists immediately
// (never throttled).
func (m *Manifest) CompletePart(index int, bytes, rows int64, checksum string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.doc.Parts) {
		return fmt.Errorf("part index %d out of range", index)
	}
	m.doc.Parts[index].Bytes = bytes
	m.doc.Parts[index].Rows = rows
	m.doc.Parts[index].Complete = true
	m.doc.Parts[index].Checksum = checksum
	return m.saveLocked()
}

// TotalRows sums parts[*].rows, a testable invariant from spec.md §8.
func (m *Manifest) TotalRows() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, p := range m.doc.Parts {
		total += p.Rows
	}
	return total
}

// Snapshot returns a copy of the current document for inspection.
// Callers must not mutate the returned value's slices in place.
func (m *Manifest) Snapshot() Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := m.doc
	cp.Partitions = append([]Partition(nil), m.doc.Partitions...)
	cp.Parts = append([]Part(nil), m.doc.Parts...)
	return cp
}

// Save forces a persist outside of the normal throttled paths, e.g.
// at run start and clean shutdown.
func (m *Manifest) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked()
}

// isTransientFSError reports whether err is the kind of fleeting
// filesystem error (interrupted syscall, momentary fd/resource
// exhaustion) that is worth retrying rather than failing the run on.
func isTransientFSError(err error) bool {
	return errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EINTR) ||
		errors.Is(err, syscall.EMFILE) ||
		errors.Is(err, syscall.ENFILE)
}

// saveLocked writes the manifest via write-temp, fsync,
// rename-over-original, so a concurrent reader of the manifest file
// never observes a partially written document (spec.md §4.5). The
// whole attempt is wrapped in the teacher's retryWithBackoff idiom so
// a transient EAGAIN/EINTR/EMFILE/ENFILE on CreateTemp/Sync/Rename
// doesn't fail the entire durable-checkpoint path outright.
func (m *Manifest) saveLocked() error {
	return retry.WithBackoff(context.Background(), nil, isTransientFSError, 5, 50*time.Millisecond, func(ctx context.Context) error {
		dir := filepath.Dir(m.path)
		tmp, err := os.CreateTemp(dir, filepath.Base(m.path)+".tmp-*")
		if err != nil {
			return fmt.Errorf("create manifest temp file: %w", err)
		}
		tmpPath := tmp.Name()
		defer os.Remove(tmpPath) // no-op once renamed

		enc := json.NewEncoder(tmp)
		enc.SetIndent("", "  ")
		if err := enc.Encode(m.doc); err != nil {
			tmp.Close()
			return fmt.Errorf("encode manifest: %w", err)
		}
		if err := tmp.Sync(); err != nil {
			tmp.Close()
			return fmt.Errorf("fsync manifest temp file: %w", err)
		}
		if err := tmp.Close(); err != nil {
			return fmt.Errorf("close manifest temp file: %w", err)
		}

		var crashErr error
		failpoint.Inject("manifest.saveCrash", func(val failpoint.Value) {
			crashErr = fmt.Errorf("manifest.saveCrash: simulated crash before rename")
		})
		if crashErr != nil {
			return crashErr
		}

		if err := os.Rename(tmpPath, m.path); err != nil {
			return fmt.Errorf("rename manifest into place: %w", err)
		}
		return nil
	})
}
