// Package queue implements the bounded byte-queue described in
// spec.md §4.3: a FIFO conduit from readers to the writer that blocks
// pushers once buffered bytes exceed a configured ceiling.
package queue

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned by Push once the queue has been closed.
var ErrClosed = errors.New("queue: closed")

// Item is a batch of documents (or a pre-serialized buffer for the
// JSONL fast path) tagged with the byte count used for accounting.
type Item struct {
	Payload interface{}
	Bytes   int64
}

// Queue is a byte-bounded FIFO. Push blocks while the buffered byte
// total would exceed maxBytes; Pop drains remaining items after
// Close. Backpressure is implemented with a weighted semaphore sized
// to maxBytes: acquiring `bytes` units before a push is exactly the
// "block while currentBytes + bytes > maxBytes" rule from spec.md, and
// releasing on pop wakes blocked pushers the way a condition variable
// broadcast would.
type Queue struct {
	sem      *semaphore.Weighted
	maxBytes int64
	current  atomic.Int64

	mu     sync.Mutex
	items  []Item
	notify chan struct{}
	closed bool
}

// New returns a queue that admits at most maxBytes of buffered item
// weight at a time.
func New(maxBytes int64) *Queue {
	if maxBytes <= 0 {
		maxBytes = 1
	}
	return &Queue{
		sem:      semaphore.NewWeighted(maxBytes),
		maxBytes: maxBytes,
		notify:   make(chan struct{}, 1),
	}
}

// Push appends item to the queue, blocking while doing so would push
// current occupancy over maxBytes. It fails with ErrClosed if the
// queue has already been closed.
func (q *Queue) Push(ctx context.Context, item Item) error {
	weight := item.Bytes
	if weight > q.maxBytes {
		weight = q.maxBytes // a single oversized batch still fits, per spec's backpressure-not-rejection contract
	}
	if weight < 1 {
		weight = 1
	}
	if err := q.sem.Acquire(ctx, weight); err != nil {
		return err
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.sem.Release(weight)
		return ErrClosed
	}
	item.Bytes = weight
	q.items = append(q.items, item)
	q.current.Add(weight)
	q.mu.Unlock()

	q.wake()
	return nil
}

// Pop blocks until an item is available or the queue is closed and
// drained, in which case ok is false.
func (q *Queue) Pop(ctx context.Context) (item Item, ok bool, err error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item = q.items[0]
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			q.current.Sub(item.Bytes)
			q.sem.Release(item.Bytes)
			if more {
				q.wake() // pass the signal on to any other waiting consumer
			}
			return item, true, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			q.wake()
			return Item{}, false, nil
		}

		select {
		case <-q.notify:
			continue
		case <-ctx.Done():
			return Item{}, false, ctx.Err()
		}
	}
}

// Close is idempotent. After Close, Push fails and Pop drains
// remaining items before returning ok=false.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

// SizeBytes is an observational read of current buffered occupancy.
func (q *Queue) SizeBytes() int64 {
	return q.current.Load()
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
