package writer

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/purplelight/snapshot/internal/document"
)

func makeDoc(id int64, name string) *document.Document {
	d := document.NewDocument()
	d.Set("_id", document.FromInt64(id))
	d.Set("name", document.FromString(name))
	return d
}

func TestJSONLWriterRoundTripsDocs(t *testing.T) {
	dir := t.TempDir()
	lc := &fakeLifecycle{}
	w := NewJSONLWriter(JSONLConfig{
		Prefix:      filepath.Join(dir, "part"),
		Compression: CompressionNone,
		Rotation:    Rotation{SingleFile: true},
	}, lc, testLogger())

	batch := Batch{Docs: []*document.Document{makeDoc(1, "a"), makeDoc(2, "b")}}
	require.NoError(t, w.WriteMany(batch))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(filepath.Join(dir, "part.jsonl"))
	require.NoError(t, err)
	lines := bytes.Split(bytes.TrimRight(data, "\n"), []byte("\n"))
	require.Len(t, lines, 2)
	require.Contains(t, string(lines[0]), `"name":"a"`)

	require.Len(t, lc.parts, 1)
	require.True(t, lc.parts[0].complete)
	require.Equal(t, int64(2), lc.parts[0].rows)
}

func TestJSONLWriterFastPathCountsRowsByNewline(t *testing.T) {
	dir := t.TempDir()
	lc := &fakeLifecycle{}
	w := NewJSONLWriter(JSONLConfig{
		Prefix:      filepath.Join(dir, "part"),
		Compression: CompressionNone,
		Rotation:    Rotation{SingleFile: true},
	}, lc, testLogger())

	raw := []byte(`{"_id":1}` + "\n" + `{"_id":2}` + "\n" + `{"_id":3}` + "\n")
	require.NoError(t, w.WriteMany(Batch{JSONLBytes: raw}))
	require.NoError(t, w.Close())

	require.Equal(t, int64(3), lc.parts[0].rows)
}

func TestJSONLWriterGzipCompressesOutput(t *testing.T) {
	dir := t.TempDir()
	lc := &fakeLifecycle{}
	w := NewJSONLWriter(JSONLConfig{
		Prefix:      filepath.Join(dir, "part"),
		Compression: CompressionGzip,
		Rotation:    Rotation{SingleFile: true},
	}, lc, testLogger())

	require.NoError(t, w.WriteMany(Batch{Docs: []*document.Document{makeDoc(1, "a")}}))
	require.NoError(t, w.Close())

	f, err := os.Open(filepath.Join(dir, "part.jsonl.gz"))
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	defer gz.Close()

	scanner := bufio.NewScanner(gz)
	require.True(t, scanner.Scan())
	require.Contains(t, scanner.Text(), `"_id":1`)
}

func TestJSONLWriterRotatesBySize(t *testing.T) {
	dir := t.TempDir()
	lc := &fakeLifecycle{}
	w := NewJSONLWriter(JSONLConfig{
		Prefix:      filepath.Join(dir, "part"),
		Compression: CompressionNone,
		Rotation:    Rotation{RotateBytes: 20},
	}, lc, testLogger())

	for i := int64(0); i < 10; i++ {
		require.NoError(t, w.WriteMany(Batch{Docs: []*document.Document{makeDoc(i, "row-of-some-length")}}))
	}
	require.NoError(t, w.Close())

	require.True(t, len(lc.parts) > 1, "expected rotation to produce multiple parts")
	for _, p := range lc.parts {
		require.True(t, p.complete)
	}

	var totalRows int64
	for _, p := range lc.parts {
		totalRows += p.rows
	}
	require.Equal(t, int64(10), totalRows)
}

func TestJSONLWriterChecksumIsRecorded(t *testing.T) {
	dir := t.TempDir()
	lc := &fakeLifecycle{}
	w := NewJSONLWriter(JSONLConfig{
		Prefix:      filepath.Join(dir, "part"),
		Compression: CompressionNone,
		Rotation:    Rotation{SingleFile: true},
		Checksum:    true,
	}, lc, testLogger())

	require.NoError(t, w.WriteMany(Batch{Docs: []*document.Document{makeDoc(1, "a")}}))
	require.NoError(t, w.Close())

	require.NotEmpty(t, lc.parts[0].checksum)
	require.Len(t, lc.parts[0].checksum, 64) // hex-encoded SHA-256
}
