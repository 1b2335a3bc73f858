// Package config layers the snapshot engine's settings the way the
// teacher codebase configures itself: compiled-in defaults, an
// optional TOML file, environment variables (with .env support), and
// finally command-line flags, each layer overriding the last.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Options holds every tunable named in spec.md §6.
type Options struct {
	URI        string `toml:"uri"`
	Database   string `toml:"database"`
	Collection string `toml:"collection"`
	Output     string `toml:"output"`

	Format           string `toml:"format"`
	Compression      string `toml:"compression"`
	CompressionLevel int    `toml:"compression_level"`

	Partitions int   `toml:"partitions"`
	BatchSize  int32 `toml:"batch_size"`
	QueueMB    int64 `toml:"queue_mb"`
	RotateMB   int64 `toml:"rotate_mb"`
	ByRows     int64 `toml:"by_rows"`
	SingleFile bool  `toml:"single_file"`
	Prefix     string `toml:"prefix"`

	Query      string `toml:"query"`
	Projection string `toml:"projection"`

	ReadPreference  string `toml:"read_preference"`
	ReadTags        string `toml:"read_tags"`
	ReadConcern     string `toml:"read_concern"`
	NoCursorTimeout bool   `toml:"no_cursor_timeout"`

	ParquetRowGroup int `toml:"parquet_row_group"`
	WriteChunkMB    int `toml:"write_chunk_mb"`
	WriterThreads   int `toml:"writer_threads"`

	Telemetry                   bool `toml:"telemetry"`
	ResumeOverwriteIncompatible bool `toml:"resume_overwrite_incompatible"`
	Checksum                    bool `toml:"checksum"`
	Debug                       bool `toml:"debug"`
	LogFile                     string `toml:"log_file"`
}

// Defaults returns the compiled-in baseline, per spec.md §6's default
// column.
func Defaults() Options {
	return Options{
		URI:              "mongodb://127.0.0.1:27017",
		Database:         "",
		Collection:       "",
		Output:           ".",
		Format:           "jsonl",
		Compression:      "none",
		CompressionLevel: 0,
		Partitions:       4,
		BatchSize:        1000,
		QueueMB:          256,
		RotateMB:         512,
		Prefix:           "part",
		ReadPreference:   "secondaryPreferred",
		ParquetRowGroup:  10000,
		WriteChunkMB:     8,
		WriterThreads:    1,
		Telemetry:        true,
		Checksum:         true,
	}
}

// LoadFile merges a TOML config file onto base, when path is
// non-empty and the file exists.
func LoadFile(base Options, path string) (Options, error) {
	if path == "" {
		return base, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return base, nil
	}
	if _, err := toml.DecodeFile(path, &base); err != nil {
		return base, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return base, nil
}

// LoadEnv merges PL_*-prefixed environment variables onto opts,
// loading a .env file first if present (the teacher's
// godotenv.Load(".env") idiom).
func LoadEnv(opts Options) Options {
	_ = godotenv.Load(".env")

	opts.URI = getenv("PL_URI", opts.URI)
	opts.Database = getenv("PL_DATABASE", opts.Database)
	opts.Collection = getenv("PL_COLLECTION", opts.Collection)
	opts.Output = getenv("PL_OUTPUT", opts.Output)
	opts.Format = getenv("PL_FORMAT", opts.Format)
	opts.Compression = getenv("PL_COMPRESSION", opts.Compression)
	opts.CompressionLevel = getenvInt("PL_ZSTD_LEVEL", opts.CompressionLevel)
	opts.Partitions = getenvInt("PL_PARTITIONS", opts.Partitions)
	opts.BatchSize = int32(getenvInt("PL_BATCH_SIZE", int(opts.BatchSize)))
	opts.QueueMB = int64(getenvInt("PL_QUEUE_MB", int(opts.QueueMB)))
	opts.RotateMB = int64(getenvInt("PL_ROTATE_MB", int(opts.RotateMB)))
	opts.Prefix = getenv("PL_PREFIX", opts.Prefix)
	opts.Query = getenv("PL_QUERY", opts.Query)
	opts.Projection = getenv("PL_PROJECTION", opts.Projection)
	opts.ReadPreference = getenv("PL_READ_PREFERENCE", opts.ReadPreference)
	opts.ReadTags = getenv("PL_READ_TAGS", opts.ReadTags)
	opts.ReadConcern = getenv("PL_READ_CONCERN", opts.ReadConcern)
	opts.ParquetRowGroup = getenvInt("PL_PARQUET_ROW_GROUP", opts.ParquetRowGroup)
	// PL_WRITE_CHUNK_BYTES is named and specified in bytes (spec.md §6);
	// WriteChunkMB stores megabytes to match the --write-chunk-mb flag, so
	// the env var is converted on the way in rather than assigned raw.
	if v := os.Getenv("PL_WRITE_CHUNK_BYTES"); v != "" {
		var bytes int64
		if _, err := fmt.Sscanf(v, "%d", &bytes); err == nil {
			opts.WriteChunkMB = int(bytes / (1 << 20))
		}
	}
	opts.WriterThreads = getenvInt("PL_WRITER_THREADS", opts.WriterThreads)
	opts.Telemetry = getenvBool("PL_TELEMETRY", opts.Telemetry)
	opts.Checksum = getenvBool("PL_CHECKSUM", opts.Checksum)
	opts.Debug = getenvBool("PL_DEBUG", opts.Debug)
	opts.LogFile = getenv("PL_LOG_FILE", opts.LogFile)

	return opts
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return def
	}
	return n
}

func getenvBool(k string, def bool) bool {
	v := os.Getenv(k)
	switch v {
	case "1", "true", "TRUE", "yes":
		return true
	case "0", "false", "FALSE", "no":
		return false
	default:
		return def
	}
}
