// Command plsnap exports a MongoDB collection to partitioned,
// optionally compressed JSONL, CSV, or Parquet files, resuming from a
// durable manifest if interrupted. See spec.md §6 for the full flag
// reference.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"github.com/purplelight/snapshot/internal/config"
	"github.com/purplelight/snapshot/internal/logging"
	"github.com/purplelight/snapshot/internal/manifest"
	"github.com/purplelight/snapshot/internal/mongosrc"
	"github.com/purplelight/snapshot/internal/partition"
	"github.com/purplelight/snapshot/internal/snapshot"
	"github.com/purplelight/snapshot/internal/telemetry"
	"github.com/purplelight/snapshot/internal/writer"
)

const version = "0.1.0"

func main() {
	os.Exit(run())
}

// run returns the process exit code per spec.md §6: 0 on success, 1 on
// a run error, 2 on a usage/argument error.
func run() int {
	opts, err := config.LoadFile(config.Defaults(), getenv("PL_CONFIG", ""))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	opts = config.LoadEnv(opts)

	var (
		configFile = flag.String("config", "", "TOML config file")
		uri        = flag.String("uri", opts.URI, "MongoDB connection URI")
		db         = flag.String("db", opts.Database, "database name")
		coll       = flag.String("collection", opts.Collection, "collection name")
		output     = flag.String("output", opts.Output, "output directory")
		format     = flag.String("format", opts.Format, "output format: jsonl, csv, parquet")
		compression = flag.String("compression", opts.Compression, "compression: none, gzip, zstd")
		compLevel  = flag.Int("compression-level", opts.CompressionLevel, "compression level (codec-specific default if 0)")
		partitions = flag.Int("partitions", opts.Partitions, "number of partitions to read in parallel")
		batchSize  = flag.Int("batch-size", int(opts.BatchSize), "documents per reader batch")
		queueMB    = flag.Int64("queue-mb", opts.QueueMB, "bounded queue capacity in megabytes")
		rotateMB   = flag.Int64("rotate-mb", opts.RotateMB, "rotate output files at this size in megabytes (0 disables)")
		byRows     = flag.Int64("by-rows", opts.ByRows, "rotate Parquet files at this row count (0 disables)")
		singleFile = flag.Bool("single-file", opts.SingleFile, "write a single output file instead of rotating")
		prefix     = flag.String("prefix", opts.Prefix, "output file name prefix")
		query      = flag.String("query", opts.Query, "JSON filter document")
		projection = flag.String("projection", opts.Projection, "JSON projection document")
		readPref   = flag.String("read-preference", opts.ReadPreference, "read preference")
		readTags   = flag.String("read-tags", opts.ReadTags, "read preference tag sets, e.g. dc:east,use:reporting")
		readConcern = flag.String("read-concern", opts.ReadConcern, "read concern level")
		noCursorTimeout = flag.Bool("no-cursor-timeout", opts.NoCursorTimeout, "disable server-side cursor timeout")
		parquetRowGroup = flag.Int("parquet-row-group", opts.ParquetRowGroup, "rows per Parquet row group")
		writeChunkMB    = flag.Int("write-chunk-mb", opts.WriteChunkMB, "write buffer chunk size in megabytes")
		writerThreads   = flag.Int("writer-threads", opts.WriterThreads, "reserved for future multi-writer support")
		telemetryFlag   = flag.Bool("telemetry", opts.Telemetry, "emit periodic progress snapshots")
		resumeOverwrite = flag.Bool("resume-overwrite-incompatible", opts.ResumeOverwriteIncompatible, "reset an incompatible manifest instead of failing")
		checksum        = flag.Bool("checksum", opts.Checksum, "compute a SHA-256 checksum for each completed part")
		debug           = flag.Bool("debug", opts.Debug, "enable debug logging")
		logFile         = flag.String("log-file", opts.LogFile, "rotating log file path (stderr only if empty)")
		dryRun          = flag.Bool("dry-run", false, "build the partition plan and exit without reading or writing")
		showVersion     = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("plsnap " + version)
		return 0
	}

	if *configFile != "" {
		reloaded, err := config.LoadFile(opts, *configFile)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
		opts = reloaded
	}

	_ = writerThreads // reserved; a single writer goroutine drains the queue today

	if *db == "" || *coll == "" {
		fmt.Fprintln(os.Stderr, "plsnap: --db and --collection are required")
		flag.Usage()
		return 2
	}

	log, err := logging.New(logging.Options{Debug: *debug, LogFile: *logFile})
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize logging:", err)
		return 2
	}
	defer log.Sync()

	comp, err := writer.ParseCompression(*compression)
	if err != nil {
		log.Error("invalid compression", zap.Error(err))
		return 2
	}

	var filter bson.M
	if *query != "" {
		if err := json.Unmarshal([]byte(*query), &filter); err != nil {
			log.Error("invalid --query JSON", zap.Error(err))
			return 2
		}
	} else {
		filter = bson.M{}
	}

	var projDoc bson.M
	if *projection != "" {
		if err := json.Unmarshal([]byte(*projection), &projDoc); err != nil {
			log.Error("invalid --projection JSON", zap.Error(err))
			return 2
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clientOpts := options.Client().ApplyURI(*uri)
	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		log.Error("mongo connect failed", zap.Error(err))
		return 1
	}
	defer func() {
		disconnectCtx, disconnectCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer disconnectCancel()
		if err := client.Disconnect(disconnectCtx); err != nil {
			log.Error("mongo disconnect failed", zap.Error(err))
		}
	}()

	rp, err := parseReadPreference(*readPref, *readTags)
	if err != nil {
		log.Error("invalid --read-preference", zap.Error(err))
		return 2
	}
	rc := parseReadConcern(*readConcern)

	collOpts := options.Collection().SetReadPreference(rp).SetReadConcern(rc)
	rawColl := client.Database(*db).Collection(*coll, collOpts)
	collection := mongosrc.NewCollection(rawColl, mongosrc.ReadOptions{
		BatchSize:       int32(*batchSize),
		Projection:      projDoc,
		NoCursorTimeout: *noCursorTimeout,
	})

	if err := os.MkdirAll(*output, 0o755); err != nil {
		log.Error("create output directory failed", zap.Error(err))
		return 1
	}
	manifestPath := filepath.Join(*output, *prefix+".manifest.json")
	man, err := manifest.Load(manifestPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error("load manifest failed", zap.Error(err))
			return 1
		}
		man = manifest.New(manifestPath, *db+"."+*coll, *format, comp.String(), "", nil)
	}

	if *dryRun {
		plan, err := partition.BuildPlan(ctx, collection, filter, *partitions)
		if err != nil {
			log.Error("build partition plan failed", zap.Error(err))
			return 1
		}
		fmt.Printf("plsnap: would snapshot %s.%s into %s (%s/%s) across %d partition(s):\n", *db, *coll, *output, *format, comp.String(), len(plan))
		for i, rng := range plan {
			fmt.Printf("  partition %d: %v\n", i, rng.Filter())
		}
		return 0
	}

	snapOpts := snapshot.Options{
		Output:                *output,
		Prefix:                *prefix,
		Format:                *format,
		Compression:           comp,
		CompressionLevel:      *compLevel,
		Partitions:            *partitions,
		BatchSize:             int32(*batchSize),
		QueueMaxBytes:         *queueMB << 20,
		RotateBytes:           *rotateMB << 20,
		RotateRows:            *byRows,
		SingleFile:            *singleFile,
		BaseFilter:            filter,
		QueryDigestQuery:      filter,
		QueryDigestProjection: projDoc,
		ParquetRowGroup:       *parquetRowGroup,
		WriteChunkBytes:       *writeChunkMB << 20,
		Checksum:              *checksum,
		TelemetryEnabled:      *telemetryFlag,
		OnProgress:            progressLogger(log),
		ResumeOverwriteIncompatible: *resumeOverwrite,
	}

	orc := snapshot.New(collection, *db+"."+*coll, man, log, snapOpts)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	resultChan := make(chan runOutcome, 1)
	go func() {
		result, err := orc.Run(ctx)
		resultChan <- runOutcome{result: result, err: err}
	}()

	select {
	case sig := <-sigChan:
		log.Info("received signal, initiating graceful shutdown", zap.String("signal", sig.String()))
		cancel()
		outcome := <-resultChan
		logOutcome(log, outcome)
		if outcome.err != nil {
			return 1
		}
		return 0
	case outcome := <-resultChan:
		logOutcome(log, outcome)
		if outcome.err != nil {
			return 1
		}
		return 0
	}
}

type runOutcome struct {
	result snapshot.Result
	err    error
}

func logOutcome(log *zap.Logger, o runOutcome) {
	if o.err != nil {
		log.Error("snapshot run failed", zap.Error(o.err), zap.Int64("rows_written", o.result.RowsWritten))
		return
	}
	log.Info("snapshot run complete",
		zap.Int("partitions", o.result.PartitionsTotal),
		zap.Int64("rows_written", o.result.RowsWritten),
	)
}

func progressLogger(log *zap.Logger) telemetry.ProgressFunc {
	return func(s telemetry.Snapshot) {
		log.Info("progress",
			zap.Int64("queue_bytes", s.QueueBytes),
			zap.Float64("queue_bytes_p50", s.QueueBytesP50),
			zap.Float64("queue_bytes_p99", s.QueueBytesP99),
			zap.Int64("rows_written", s.RowsWritten),
			zap.Int64("bytes_written", s.BytesWritten),
			zap.Int("partitions_done", s.PartitionsDone),
			zap.Int("partitions_total", s.PartitionsN),
		)
	}
}

func parseReadPreference(mode, tagsCSV string) (*readpref.ReadPref, error) {
	m, err := readpref.ModeFromString(mode)
	if err != nil {
		return nil, fmt.Errorf("unknown read preference %q: %w", mode, err)
	}
	if tagsCSV != "" {
		// --read-tags is accepted for forward compatibility but not yet
		// wired into a tag.Set filter.
		return nil, fmt.Errorf("--read-tags is not yet supported; pass --read-preference only")
	}
	return readpref.New(m)
}

func parseReadConcern(level string) *readconcern.ReadConcern {
	switch level {
	case "local":
		return readconcern.Local()
	case "available":
		return readconcern.Available()
	case "majority":
		return readconcern.Majority()
	case "linearizable":
		return readconcern.Linearizable()
	case "snapshot":
		return readconcern.Snapshot()
	default:
		return nil
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
