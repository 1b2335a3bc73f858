// Package snapshot wires the partitioner, reader pool, bounded queue,
// and writer into the full run described in spec.md §5: plan, read,
// queue, write, checkpoint, repeat until every partition is complete.
package snapshot

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/purplelight/snapshot/internal/manifest"
	"github.com/purplelight/snapshot/internal/partition"
	"github.com/purplelight/snapshot/internal/queue"
	"github.com/purplelight/snapshot/internal/reader"
	"github.com/purplelight/snapshot/internal/telemetry"
	"github.com/purplelight/snapshot/internal/writer"
)

// Source is the full collaborator surface the orchestrator needs from
// the MongoDB client: enough for both partition planning and
// per-partition reads.
type Source interface {
	partition.Source
	reader.Source
}

// Options is the resolved, typed configuration for one run, derived
// from internal/config.Options by the CLI entry point.
type Options struct {
	Output     string
	Prefix     string
	Format     string // "jsonl", "csv", "parquet"
	Compression writer.Compression
	CompressionLevel int

	Partitions int
	BatchSize  int32
	QueueMaxBytes int64
	RotateBytes   int64
	RotateRows    int64
	SingleFile    bool

	BaseFilter bson.M
	QueryDigestQuery      interface{}
	QueryDigestProjection interface{}

	ParquetRowGroup int
	WriteChunkBytes int
	Checksum        bool

	TelemetryEnabled bool
	OnProgress       telemetry.ProgressFunc `json:"-"`

	ResumeOverwriteIncompatible bool
}

// Result summarizes a completed run, per spec.md §5's final report.
type Result struct {
	PartitionsTotal int
	RowsWritten     int64
	Telemetry       telemetry.Snapshot
}

// Orchestrator drives one collection snapshot end to end.
type Orchestrator struct {
	src        Source
	collection string
	man        *manifest.Manifest
	log        *zap.Logger
	opts       Options
}

func New(src Source, collection string, man *manifest.Manifest, log *zap.Logger, opts Options) *Orchestrator {
	return &Orchestrator{src: src, collection: collection, man: man, log: log, opts: opts}
}

// Run executes the full snapshot lifecycle. It is safe to call again
// against the same manifest after a crash: already-complete partitions
// are skipped and in-flight ones resume from their last checkpoint.
func (o *Orchestrator) Run(ctx context.Context) (Result, error) {
	queryDigest, err := manifest.QueryDigest(o.opts.QueryDigestQuery, o.opts.QueryDigestProjection)
	if err != nil {
		return Result{}, fmt.Errorf("compute query digest: %w", err)
	}

	if !o.man.Initialized() {
		// A freshly created manifest has nothing to be incompatible
		// with; stamp it with this run's identity before proceeding.
		o.man.Reset(o.collection, o.opts.Format, o.opts.Compression.String(), queryDigest, o.opts)
	} else if !o.man.CompatibleWith(o.collection, o.opts.Format, o.opts.Compression.String(), queryDigest) {
		if !o.opts.ResumeOverwriteIncompatible {
			return Result{}, fmt.Errorf("manifest is incompatible with this run's collection/format/compression/query and resume_overwrite_incompatible is false")
		}
		o.log.Warn("manifest incompatible with current run parameters, resetting", zap.String("collection", o.collection))
		o.man.Reset(o.collection, o.opts.Format, o.opts.Compression.String(), queryDigest, o.opts)
	}

	plan, err := partition.BuildPlan(ctx, o.src, o.opts.BaseFilter, o.opts.Partitions)
	if err != nil {
		return Result{}, fmt.Errorf("build partition plan: %w", err)
	}
	if err := o.man.EnsurePartitions(len(plan)); err != nil {
		return Result{}, fmt.Errorf("initialize manifest partitions: %w", err)
	}
	if err := o.man.Save(); err != nil {
		return Result{}, fmt.Errorf("save manifest: %w", err)
	}

	q := queue.New(o.opts.QueueMaxBytes)

	var telem *telemetry.Telemetry
	if o.opts.TelemetryEnabled {
		telem = telemetry.New(o.log, o.opts.OnProgress, 2*time.Second)
		telem.SetPartitions(len(plan))
		go telem.Run()
		defer telem.Stop()

		stopSampling := make(chan struct{})
		defer close(stopSampling)
		go func() {
			ticker := time.NewTicker(500 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					telem.RecordQueueBytes(q.SizeBytes())
				case <-stopSampling:
					return
				}
			}
		}()
	}

	pw, err := o.buildWriter()
	if err != nil {
		return Result{}, fmt.Errorf("build writer: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return o.drainQueue(gctx, q, pw, telem)
	})

	g.Go(func() error {
		err := o.runReaders(gctx, plan, q, telem)
		q.Close()
		return err
	})

	runErr := g.Wait()

	result := Result{
		PartitionsTotal: len(plan),
		RowsWritten:     o.man.TotalRows(),
	}
	if telem != nil {
		result.Telemetry = telem.Final()
	}

	if runErr != nil {
		return result, runErr
	}
	return result, nil
}

// drainQueue is the single writer-side consumer: pop batches until the
// queue is closed and empty, then finalize the writer.
func (o *Orchestrator) drainQueue(ctx context.Context, q *queue.Queue, pw writer.PartWriter, telem *telemetry.Telemetry) error {
	for {
		item, ok, err := q.Pop(ctx)
		if err != nil {
			_ = pw.Close()
			return fmt.Errorf("pop queue: %w", err)
		}
		if !ok {
			return pw.Close()
		}
		batch, ok := item.Payload.(writer.Batch)
		if !ok {
			_ = pw.Close()
			return fmt.Errorf("unexpected queue payload type %T", item.Payload)
		}
		if err := pw.WriteMany(batch); err != nil {
			_ = pw.Close()
			return fmt.Errorf("write batch: %w", err)
		}
		if telem != nil {
			rows := int64(batch.Rows)
			if rows == 0 {
				rows = int64(len(batch.Docs))
			}
			telem.AddProgress(rows, item.Bytes)
		}
	}
}

// runReaders fans a goroutine out per partition and collects every
// failure with multierr rather than bailing on the first one, so a
// single bad partition doesn't hide errors from its siblings; the
// caller still only needs to surface the first error to the operator.
func (o *Orchestrator) runReaders(ctx context.Context, plan partition.Plan, q *queue.Queue, telem *telemetry.Telemetry) error {
	rcfg := reader.Config{
		BaseFilter:    o.opts.BaseFilter,
		JSONLFastPath: o.opts.Format == "jsonl",
		BatchMaxBytes: 1 << 20,
		BatchMaxRows:  int(o.opts.BatchSize),
	}

	var mu sync.Mutex
	var errs error
	var wg sync.WaitGroup

	for i, rng := range plan {
		i, rng := i, rng
		wg.Add(1)
		go func() {
			defer wg.Done()
			rdr := reader.New(o.src, q, o.man, o.log, rcfg)
			if err := rdr.RunPartition(ctx, reader.Task{Index: i, Range: rng}); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
				o.log.Error("partition failed", zap.Int("partition", i), zap.Error(err))
				return
			}
			if telem != nil {
				telem.PartitionCompleted()
			}
		}()
	}
	wg.Wait()

	if errs == nil {
		return nil
	}
	// Surface only the first failure to the caller; every failure was
	// already logged above.
	return multierr.Errors(errs)[0]
}

func (o *Orchestrator) buildWriter() (writer.PartWriter, error) {
	prefix := filepath.Join(o.opts.Output, o.opts.Prefix)
	rotation := writer.Rotation{
		SingleFile:  o.opts.SingleFile,
		RotateBytes: o.opts.RotateBytes,
		RotateRows:  o.opts.RotateRows,
	}

	switch o.opts.Format {
	case "jsonl":
		return writer.NewJSONLWriter(writer.JSONLConfig{
			Prefix:           prefix,
			Compression:      o.opts.Compression,
			CompressionLevel: o.opts.CompressionLevel,
			Rotation:         rotation,
			WriteChunkBytes:  o.opts.WriteChunkBytes,
			Checksum:         o.opts.Checksum,
		}, o.man, o.log), nil
	case "csv":
		return writer.NewCSVWriter(writer.CSVConfig{
			Prefix:           prefix,
			Compression:      o.opts.Compression,
			CompressionLevel: o.opts.CompressionLevel,
			Rotation:         rotation,
			Checksum:         o.opts.Checksum,
		}, o.man, o.log), nil
	case "parquet":
		return writer.NewParquetWriter(writer.ParquetConfig{
			Prefix:       prefix,
			Compression:  o.opts.Compression,
			RowGroupSize: o.opts.ParquetRowGroup,
			Rotation:     rotation,
			Checksum:     o.opts.Checksum,
		}, o.man, o.log), nil
	default:
		return nil, fmt.Errorf("unknown output format %q", o.opts.Format)
	}
}
