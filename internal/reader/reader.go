// Package reader implements the per-partition cursor walk described in
// spec.md §4.2: open a sorted range over a partition, batch documents,
// push them onto the bounded queue, and checkpoint the manifest as
// progress is made so a crash mid-partition resumes without
// re-emitting already-queued rows.
package reader

import (
	"bytes"
	"context"
	"fmt"

	"github.com/pingcap/failpoint"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/purplelight/snapshot/internal/document"
	"github.com/purplelight/snapshot/internal/manifest"
	"github.com/purplelight/snapshot/internal/partition"
	"github.com/purplelight/snapshot/internal/queue"
	"github.com/purplelight/snapshot/internal/writer"
)

// DocCursor yields raw BSON documents in ascending _id order.
type DocCursor interface {
	Next(ctx context.Context) bool
	Current() bson.Raw
	Err() error
	Close(ctx context.Context) error
}

// Source is the collaborator a reader needs from the MongoDB client,
// matching spec.md §4.2's "open a sorted cursor" step.
type Source interface {
	FindRange(ctx context.Context, filter bson.M) (DocCursor, error)
}

// ManifestCheckpointer is the manifest-facing surface the reader
// drives. Implemented by *manifest.Manifest; kept as an interface so
// reader tests don't need a real manifest file on disk.
type ManifestCheckpointer interface {
	PartitionCompleted(index int) bool
	PartitionCheckpoint(index int) interface{}
	UpdatePartitionCheckpoint(index int, lastID interface{}) error
	MarkPartitionComplete(index int) error
}

var _ ManifestCheckpointer = (*manifest.Manifest)(nil)

// defaultBatchMaxBytes is the ~1 MiB accumulation threshold from
// spec.md §4.2 before a batch is pushed onto the queue.
const defaultBatchMaxBytes = 1 << 20

// Config controls how a Reader batches and reads.
type Config struct {
	BaseFilter    bson.M
	JSONLFastPath bool // true when the output format is JSONL
	BatchMaxBytes int64
	BatchMaxRows  int
}

// Task is one partition's range assignment.
type Task struct {
	Index int
	Range partition.Range
}

// Reader walks one partition's range to completion, in the manner of
// a single long-lived worker handed one unit of work at a time.
type Reader struct {
	src Source
	q   *queue.Queue
	man ManifestCheckpointer
	log *zap.Logger
	cfg Config
}

func New(src Source, q *queue.Queue, man ManifestCheckpointer, log *zap.Logger, cfg Config) *Reader {
	if cfg.BatchMaxBytes <= 0 {
		cfg.BatchMaxBytes = defaultBatchMaxBytes
	}
	if cfg.BatchMaxRows <= 0 {
		cfg.BatchMaxRows = 5000
	}
	return &Reader{src: src, q: q, man: man, log: log, cfg: cfg}
}

// RunPartition drives one partition end to end. It is a no-op if the
// partition was already marked complete by a prior run.
func (r *Reader) RunPartition(ctx context.Context, task Task) error {
	if r.man.PartitionCompleted(task.Index) {
		r.log.Debug("partition already complete, skipping", zap.Int("partition", task.Index))
		return nil
	}

	rng := task.Range
	if ck := r.man.PartitionCheckpoint(task.Index); ck != nil {
		// A prior run got partway through; tighten the lower bound so
		// already-emitted rows are never re-read (spec.md §4.2 resume
		// rule).
		rng.Lower = partition.Bound{Value: ck}
	}

	filter := mergeFilter(r.cfg.BaseFilter, rng.Filter())
	cur, err := r.src.FindRange(ctx, filter)
	if err != nil {
		return fmt.Errorf("partition %d: open cursor: %w", task.Index, err)
	}
	defer cur.Close(ctx)

	acc := newAccumulator(r.cfg.JSONLFastPath)
	var lastID interface{}

	flush := func() error {
		item, ok := acc.drain()
		if !ok {
			return nil
		}
		if err := r.q.Push(ctx, item); err != nil {
			return fmt.Errorf("partition %d: push batch: %w", task.Index, err)
		}
		if lastID != nil {
			if err := r.man.UpdatePartitionCheckpoint(task.Index, lastID); err != nil {
				return fmt.Errorf("partition %d: checkpoint: %w", task.Index, err)
			}
		}

		var afterErr error
		failpoint.Inject("reader.afterCheckpoint", func(val failpoint.Value) {
			afterErr = fmt.Errorf("reader.afterCheckpoint: simulated crash after checkpoint")
		})
		return afterErr
	}

	for cur.Next(ctx) {
		var cursorErr error
		failpoint.Inject("reader.cursorError", func(val failpoint.Value) {
			cursorErr = fmt.Errorf("reader.cursorError: simulated cursor error")
		})
		if cursorErr != nil {
			return fmt.Errorf("partition %d: %w", task.Index, cursorErr)
		}

		raw := cur.Current()
		id, err := document.RawFieldValue(raw, "_id")
		if err != nil {
			return fmt.Errorf("partition %d: %w", task.Index, err)
		}
		lastID = id

		if err := acc.add(raw); err != nil {
			return fmt.Errorf("partition %d: %w", task.Index, err)
		}

		if acc.full(r.cfg.BatchMaxBytes, r.cfg.BatchMaxRows) {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := cur.Err(); err != nil {
		return fmt.Errorf("partition %d: cursor error: %w", task.Index, err)
	}

	if err := flush(); err != nil {
		return err
	}

	if err := r.man.MarkPartitionComplete(task.Index); err != nil {
		return fmt.Errorf("partition %d: mark complete: %w", task.Index, err)
	}
	return nil
}

func mergeFilter(base bson.M, extra bson.M) bson.M {
	out := bson.M{}
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// accumulator buffers documents for one in-flight batch, either as a
// pre-assembled JSONL buffer (the fast path, when the output format
// is JSONL) or as parsed Documents for the CSV/Parquet writers, per
// spec.md §4.2 and §4.4.1.
type accumulator struct {
	jsonlFast bool

	jsonlBuf bytes.Buffer
	docs     []*document.Document
	rows     int
	docBytes int64 // running total of docs' marshaled size, updated incrementally in add
}

func newAccumulator(jsonlFast bool) *accumulator {
	return &accumulator{jsonlFast: jsonlFast}
}

func (a *accumulator) add(raw bson.Raw) error {
	if a.jsonlFast {
		doc, err := document.FromBSON(raw)
		if err != nil {
			return fmt.Errorf("decode document: %w", err)
		}
		b, err := doc.MarshalJSON()
		if err != nil {
			return fmt.Errorf("marshal document: %w", err)
		}
		a.jsonlBuf.Write(b)
		a.jsonlBuf.WriteByte('\n')
	} else {
		doc, err := document.FromBSON(raw)
		if err != nil {
			return fmt.Errorf("decode document: %w", err)
		}
		a.docs = append(a.docs, doc)
		// A JSON marshal of just this one document is the cheapest
		// accurate-enough proxy for its serialized weight, without
		// coupling this package to a specific output format; tracked
		// incrementally so full()/drain() never re-marshal the whole
		// buffer.
		if b, err := doc.MarshalJSON(); err == nil {
			a.docBytes += int64(len(b))
		}
	}
	a.rows++
	return nil
}

func (a *accumulator) full(maxBytes int64, maxRows int) bool {
	if a.jsonlFast {
		return int64(a.jsonlBuf.Len()) >= maxBytes
	}
	return a.rows >= maxRows || a.docBytes >= maxBytes
}

// drain returns the accumulated batch as a queue.Item and resets the
// accumulator, or ok=false if nothing is buffered.
func (a *accumulator) drain() (queue.Item, bool) {
	if a.jsonlFast {
		if a.jsonlBuf.Len() == 0 {
			return queue.Item{}, false
		}
		b := make([]byte, a.jsonlBuf.Len())
		copy(b, a.jsonlBuf.Bytes())
		item := queue.Item{
			Payload: writer.Batch{JSONLBytes: b, Rows: a.rows},
			Bytes:   int64(len(b)),
		}
		a.jsonlBuf.Reset()
		a.rows = 0
		return item, true
	}

	if len(a.docs) == 0 {
		return queue.Item{}, false
	}
	docs := a.docs
	item := queue.Item{
		Payload: writer.Batch{Docs: docs, Rows: len(docs)},
		Bytes:   a.docBytes,
	}
	a.docs = nil
	a.rows = 0
	a.docBytes = 0
	return item, true
}
