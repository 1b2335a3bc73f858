package writer

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/purplelight/snapshot/internal/document"
)

func TestCSVWriterInfersColumnsFromFirstBatch(t *testing.T) {
	dir := t.TempDir()
	lc := &fakeLifecycle{}
	w := NewCSVWriter(CSVConfig{
		Prefix:      filepath.Join(dir, "part"),
		Compression: CompressionNone,
		Rotation:    Rotation{SingleFile: true},
	}, lc, testLogger())

	d1 := document.NewDocument()
	d1.Set("_id", document.FromInt64(1))
	d1.Set("name", document.FromString("alice"))
	d2 := document.NewDocument()
	d2.Set("_id", document.FromInt64(2))
	d2.Set("name", document.FromString("bob"))

	require.NoError(t, w.WriteMany(Batch{Docs: []*document.Document{d1, d2}}))
	require.NoError(t, w.Close())

	f, err := os.Open(filepath.Join(dir, "part.csv"))
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Equal(t, []string{"_id", "name"}, rows[0])
	require.Equal(t, []string{"1", "alice"}, rows[1])
	require.Equal(t, []string{"2", "bob"}, rows[2])
}

func TestCSVWriterMissingFieldRendersEmptyCell(t *testing.T) {
	dir := t.TempDir()
	lc := &fakeLifecycle{}
	w := NewCSVWriter(CSVConfig{
		Prefix:      filepath.Join(dir, "part"),
		Compression: CompressionNone,
		Rotation:    Rotation{SingleFile: true},
	}, lc, testLogger())

	d1 := document.NewDocument()
	d1.Set("_id", document.FromInt64(1))
	d1.Set("name", document.FromString("alice"))
	d1.Set("age", document.FromInt64(30))
	d2 := document.NewDocument()
	d2.Set("_id", document.FromInt64(2))
	d2.Set("name", document.FromString("bob"))

	require.NoError(t, w.WriteMany(Batch{Docs: []*document.Document{d1, d2}}))
	require.NoError(t, w.Close())

	f, err := os.Open(filepath.Join(dir, "part.csv"))
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Equal(t, []string{"_id", "age", "name"}, rows[0])
	require.Equal(t, []string{"2", "", "bob"}, rows[2])
}

func TestCSVWriterNoHeaderSkipsHeaderRow(t *testing.T) {
	dir := t.TempDir()
	lc := &fakeLifecycle{}
	w := NewCSVWriter(CSVConfig{
		Prefix:      filepath.Join(dir, "part"),
		Compression: CompressionNone,
		Rotation:    Rotation{SingleFile: true},
		NoHeader:    true,
	}, lc, testLogger())

	d1 := document.NewDocument()
	d1.Set("_id", document.FromInt64(1))
	require.NoError(t, w.WriteMany(Batch{Docs: []*document.Document{d1}}))
	require.NoError(t, w.Close())

	f, err := os.Open(filepath.Join(dir, "part.csv"))
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, []string{"1"}, rows[0])
}

func TestCSVWriterColumnUnionIsSorted(t *testing.T) {
	dir := t.TempDir()
	lc := &fakeLifecycle{}
	w := NewCSVWriter(CSVConfig{
		Prefix:      filepath.Join(dir, "part"),
		Compression: CompressionNone,
		Rotation:    Rotation{SingleFile: true},
	}, lc, testLogger())

	d1 := document.NewDocument()
	d1.Set("_id", document.FromInt64(1))
	d1.Set("zeta", document.FromInt64(1))
	d2 := document.NewDocument()
	d2.Set("_id", document.FromInt64(2))
	d2.Set("alpha", document.FromInt64(2))

	require.NoError(t, w.WriteMany(Batch{Docs: []*document.Document{d1, d2}}))
	require.NoError(t, w.Close())

	f, err := os.Open(filepath.Join(dir, "part.csv"))
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Equal(t, []string{"_id", "alpha", "zeta"}, rows[0])
}
