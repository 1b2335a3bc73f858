package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultsMatchDocumentedBaseline(t *testing.T) {
	d := Defaults()
	require.Equal(t, "mongodb://127.0.0.1:27017", d.URI)
	require.Equal(t, "jsonl", d.Format)
	require.Equal(t, "none", d.Compression)
	require.Equal(t, 4, d.Partitions)
	require.True(t, d.Telemetry)
	require.True(t, d.Checksum)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plsnap.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
database = "analytics"
collection = "events"
format = "csv"
partitions = 8
`), 0o644))

	opts, err := LoadFile(Defaults(), path)
	require.NoError(t, err)
	require.Equal(t, "analytics", opts.Database)
	require.Equal(t, "events", opts.Collection)
	require.Equal(t, "csv", opts.Format)
	require.Equal(t, 8, opts.Partitions)
	// Fields absent from the file keep the base value.
	require.Equal(t, "mongodb://127.0.0.1:27017", opts.URI)
}

func TestLoadFileIsNoOpWhenPathEmptyOrMissing(t *testing.T) {
	base := Defaults()

	opts, err := LoadFile(base, "")
	require.NoError(t, err)
	require.Equal(t, base, opts)

	opts, err = LoadFile(base, filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.NoError(t, err)
	require.Equal(t, base, opts)
}

func TestLoadFileRejectsMalformedToml(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("not = [valid toml"), 0o644))

	_, err := LoadFile(Defaults(), path)
	require.Error(t, err)
}

func TestLoadEnvOverridesFileAndDefaults(t *testing.T) {
	t.Setenv("PL_DATABASE", "envdb")
	t.Setenv("PL_PARTITIONS", "16")
	t.Setenv("PL_TELEMETRY", "false")
	t.Setenv("PL_CHECKSUM", "0")

	base := Defaults()
	base.Database = "filedb" // simulating a value already set by a config file

	opts := LoadEnv(base)
	require.Equal(t, "envdb", opts.Database, "env must win over a value carried from the file layer")
	require.Equal(t, 16, opts.Partitions)
	require.False(t, opts.Telemetry)
	require.False(t, opts.Checksum)
	// Untouched env vars leave the carried-in value alone.
	require.Equal(t, "jsonl", opts.Format)
}

func TestLoadEnvConvertsWriteChunkBytesToMegabytes(t *testing.T) {
	t.Setenv("PL_WRITE_CHUNK_BYTES", "16777216") // 16 MiB
	opts := LoadEnv(Defaults())
	require.Equal(t, 16, opts.WriteChunkMB)
}

func TestGetenvIntIgnoresUnparsableValue(t *testing.T) {
	t.Setenv("PL_PARTITIONS", "not-a-number")
	opts := LoadEnv(Defaults())
	require.Equal(t, 4, opts.Partitions, "an unparsable int env var must fall back to the carried-in default")
}

func TestGetenvBoolDefaultsOnUnrecognizedValue(t *testing.T) {
	t.Setenv("PL_DEBUG", "maybe")
	opts := LoadEnv(Defaults())
	require.False(t, opts.Debug, "an unrecognized bool env var must fall back to the carried-in default")
}
