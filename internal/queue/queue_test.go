package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPushPopFIFOOrder(t *testing.T) {
	q := New(1024)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, Item{Payload: "a", Bytes: 10}))
	require.NoError(t, q.Push(ctx, Item{Payload: "b", Bytes: 10}))

	item, ok, err := q.Pop(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", item.Payload)

	item, ok, err = q.Pop(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "b", item.Payload)
}

func TestPushBlocksUntilCapacityFrees(t *testing.T) {
	q := New(10)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, Item{Payload: "first", Bytes: 10}))

	pushed := make(chan struct{})
	go func() {
		_ = q.Push(ctx, Item{Payload: "second", Bytes: 5})
		close(pushed)
	}()

	select {
	case <-pushed:
		t.Fatal("second push should have blocked while queue is full")
	case <-time.After(50 * time.Millisecond):
	}

	_, ok, err := q.Pop(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	select {
	case <-pushed:
	case <-time.After(time.Second):
		t.Fatal("second push should have unblocked after Pop freed capacity")
	}
}

func TestOversizedItemStillFits(t *testing.T) {
	q := New(10)
	ctx := context.Background()
	err := q.Push(ctx, Item{Payload: "huge", Bytes: 1000})
	require.NoError(t, err)

	item, ok, err := q.Pop(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "huge", item.Payload)
}

func TestCloseDrainsRemainingItemsThenReturnsFalse(t *testing.T) {
	q := New(1024)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, Item{Payload: "x", Bytes: 1}))
	q.Close()

	_, ok, err := q.Pop(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = q.Pop(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPushAfterCloseFails(t *testing.T) {
	q := New(1024)
	q.Close()
	err := q.Push(context.Background(), Item{Payload: "x", Bytes: 1})
	require.ErrorIs(t, err, ErrClosed)
}

func TestSizeBytesTracksOccupancy(t *testing.T) {
	q := New(1024)
	ctx := context.Background()
	require.Equal(t, int64(0), q.SizeBytes())

	require.NoError(t, q.Push(ctx, Item{Payload: "a", Bytes: 100}))
	require.Equal(t, int64(100), q.SizeBytes())

	_, _, _ = q.Pop(ctx)
	require.Equal(t, int64(0), q.SizeBytes())
}

func TestConcurrentProducersConsumersPreserveCount(t *testing.T) {
	q := New(4096)
	ctx := context.Background()
	const n = 200

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = q.Push(ctx, Item{Payload: i, Bytes: 16})
		}(i)
	}

	received := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			item, ok, err := q.Pop(ctx)
			require.NoError(t, err)
			require.True(t, ok)
			received <- item.Payload.(int)
		}()
	}
	wg.Wait()
	close(received)

	count := 0
	for range received {
		count++
	}
	require.Equal(t, n, count)
}
