package writer

import (
	"sync"

	"go.uber.org/zap"
)

// fakeLifecycle is an in-memory PartLifecycle used across this
// package's tests so writers can be exercised without a real
// manifest.
type fakeLifecycle struct {
	mu    sync.Mutex
	parts []fakePart
}

type fakePart struct {
	path     string
	rows     int64
	bytes    int64
	complete bool
	checksum string
}

func (f *fakeLifecycle) OpenPart(path string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := len(f.parts)
	f.parts = append(f.parts, fakePart{path: path})
	return idx, nil
}

func (f *fakeLifecycle) AddProgressToPart(index int, rowsDelta, bytesDelta int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.parts[index].rows += rowsDelta
	f.parts[index].bytes += bytesDelta
	return nil
}

func (f *fakeLifecycle) CompletePart(index int, bytes, rows int64, checksum string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.parts[index].bytes = bytes
	f.parts[index].rows = rows
	f.parts[index].complete = true
	f.parts[index].checksum = checksum
	return nil
}

func testLogger() *zap.Logger {
	return zap.NewNop()
}
