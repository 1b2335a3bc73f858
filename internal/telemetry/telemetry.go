// Package telemetry carries the engine's progress-reporting handle
// explicitly through constructors rather than a process-global, per
// spec.md §9.
package telemetry

import (
	"sync"
	"time"

	"github.com/montanaflynn/stats"
	"go.uber.org/zap"
)

// ProgressFunc is the on_progress({queue_bytes}) callback from
// spec.md §5, invoked roughly every 2 seconds while a snapshot runs.
type ProgressFunc func(Snapshot)

// Snapshot is the payload handed to on_progress.
type Snapshot struct {
	QueueBytes     int64
	QueueBytesP50  float64
	QueueBytesP99  float64
	RowsWritten    int64
	BytesWritten   int64
	PartitionsDone int
	PartitionsN    int
}

// Telemetry accumulates queue-occupancy samples and emits periodic
// progress snapshots. Enabled per-run via config (PL_TELEMETRY / the
// CLI --telemetry flag).
type Telemetry struct {
	log      *zap.Logger
	onProg   ProgressFunc
	interval time.Duration

	mu      sync.Mutex
	samples []float64

	rowsWritten    int64
	bytesWritten   int64
	partitionsDone int
	partitionsN    int

	stop chan struct{}
	done chan struct{}
}

// New builds a Telemetry handle. onProgress may be nil, in which case
// samples are still recorded (for percentile reporting by Final) but
// nothing is emitted periodically.
func New(log *zap.Logger, onProgress ProgressFunc, interval time.Duration) *Telemetry {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Telemetry{
		log:      log,
		onProg:   onProgress,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// RecordQueueBytes appends a queue-occupancy sample.
func (t *Telemetry) RecordQueueBytes(n int64) {
	t.mu.Lock()
	t.samples = append(t.samples, float64(n))
	if len(t.samples) > 10000 {
		t.samples = t.samples[len(t.samples)-10000:]
	}
	t.mu.Unlock()
}

// SetPartitions records the total partition count for progress
// reporting.
func (t *Telemetry) SetPartitions(n int) {
	t.mu.Lock()
	t.partitionsN = n
	t.mu.Unlock()
}

// PartitionCompleted increments the completed-partition counter.
func (t *Telemetry) PartitionCompleted() {
	t.mu.Lock()
	t.partitionsDone++
	t.mu.Unlock()
}

// AddProgress accumulates rows/bytes written, mirroring the writer's
// own counters for the progress callback.
func (t *Telemetry) AddProgress(rows, bytes int64) {
	t.mu.Lock()
	t.rowsWritten += rows
	t.bytesWritten += bytes
	t.mu.Unlock()
}

func (t *Telemetry) snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	var p50, p99, last float64
	if len(t.samples) > 0 {
		last = t.samples[len(t.samples)-1]
		p50, _ = stats.Percentile(t.samples, 50)
		p99, _ = stats.Percentile(t.samples, 99)
	}
	return Snapshot{
		QueueBytes:     int64(last),
		QueueBytesP50:  p50,
		QueueBytesP99:  p99,
		RowsWritten:    t.rowsWritten,
		BytesWritten:   t.bytesWritten,
		PartitionsDone: t.partitionsDone,
		PartitionsN:    t.partitionsN,
	}
}

// Run starts the periodic progress ticker. It returns once Stop is
// called; callers run it in its own goroutine.
func (t *Telemetry) Run() {
	defer close(t.done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if t.onProg != nil {
				t.onProg(t.snapshot())
			}
		case <-t.stop:
			return
		}
	}
}

// Stop halts Run and waits for it to return.
func (t *Telemetry) Stop() {
	close(t.stop)
	<-t.done
}

// Final returns the last accumulated snapshot, for end-of-run logging.
func (t *Telemetry) Final() Snapshot {
	return t.snapshot()
}
