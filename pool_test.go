package racelab

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolBasic(t *testing.T) {
	p := NewPool(4)
	defer p.Close()

	var count atomic.Int32
	err := p.Run(context.Background(), 10, func(context.Context, Slot, int) error {
		count.Add(1)
		return nil
	})
	require.NoError(t, err, "all items succeeded; Run should return nil")
	assert.Equal(t, int32(10), count.Load(), "all 10 items should have executed")
}

func TestPoolZeroItems(t *testing.T) {
	p := NewPool(2)
	defer p.Close()

	err := p.Run(context.Background(), 0, func(context.Context, Slot, int) error {
		t.Error("no item should run")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, RunStats{}, withoutElapsed(p.LastRun()))
}

func withoutElapsed(s RunStats) RunStats {
	s.Elapsed = 0
	return s
}

func TestPoolExactlyOnce(t *testing.T) {
	for _, tc := range []struct {
		workers, items, chunk int
	}{
		{1, 1, 0},
		{4, 1000, 0},
		{8, 10_007, 0},
		{3, 500, 1},
		{16, 100, 64},
	} {
		p := NewPool(tc.workers)

		seen := make([]atomic.Int32, tc.items)
		err := p.Run(context.Background(), tc.items, func(_ context.Context, _ Slot, i int) error {
			seen[i].Add(1)
			return nil
		}, WithChunkSize(tc.chunk))
		p.Close()

		require.NoError(t, err)
		for i := range seen {
			require.Equal(t, int32(1), seen[i].Load(), "item %d (workers=%d items=%d)", i, tc.workers, tc.items)
		}
	}
}

func TestPoolConcurrencyLimit(t *testing.T) {
	const workers = 3
	p := NewPool(workers)
	defer p.Close()

	var (
		active    atomic.Int32
		maxActive atomic.Int32
	)

	err := p.Run(context.Background(), 20, func(context.Context, Slot, int) error {
		cur := active.Add(1)
		for {
			old := maxActive.Load()
			if cur <= old || maxActive.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		active.Add(-1)
		return nil
	}, WithChunkSize(1))
	require.NoError(t, err)

	assert.LessOrEqual(t, maxActive.Load(), int32(workers),
		"concurrent items should never exceed worker count")
}

func TestPoolSlotsAreStable(t *testing.T) {
	const workers = 4
	p := NewPool(workers)
	defer p.Close()

	var (
		mu    sync.Mutex
		slots = map[int]int{}
	)
	record := func(_ context.Context, s Slot, _ int) error {
		mu.Lock()
		slots[s.ID]++
		mu.Unlock()
		return nil
	}

	for range 3 {
		require.NoError(t, p.Run(context.Background(), 200, record, WithChunkSize(1)))
	}

	for id := range slots {
		assert.GreaterOrEqual(t, id, 0)
		assert.Less(t, id, workers, "slot IDs stay within the worker range across runs")
	}
	total := 0
	for _, n := range slots {
		total += n
	}
	assert.Equal(t, 600, total)
}

func TestPoolPanicRecovery(t *testing.T) {
	p := NewPool(2)
	defer p.Close()

	var ran atomic.Int32
	err := p.Run(context.Background(), 10, func(_ context.Context, _ Slot, i int) error {
		if i == 3 {
			panic("item panic!")
		}
		ran.Add(1)
		return nil
	})
	require.Error(t, err, "panic should surface as error from Run")

	var pe *PanicError
	require.ErrorAs(t, err, &pe, "error should be a PanicError")
	assert.Equal(t, "item panic!", pe.Value)
	assert.Contains(t, pe.Stack, "goroutine")
	assert.Equal(t, int32(9), ran.Load(), "remaining items should still run after panic")

	ies := AllItemErrors(err)
	require.Len(t, ies, 1)
	assert.Equal(t, 3, ies[0].Item)
}

func TestPoolItemErrorsAreIsolated(t *testing.T) {
	p := NewPool(4)
	defer p.Close()

	boom := errors.New("boom")
	err := p.Run(context.Background(), 100, func(_ context.Context, _ Slot, i int) error {
		if i%10 == 0 {
			return boom
		}
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, AllItemErrors(err), 10)

	last := p.LastRun()
	assert.Equal(t, 100, last.Items)
	assert.Equal(t, int64(100), last.Processed)
	assert.Equal(t, int64(10), last.Errored)
	assert.Zero(t, last.Skipped)
}

func TestPoolMaxErrors(t *testing.T) {
	p := NewPool(2, WithMaxErrors(5))
	defer p.Close()

	err := p.Run(context.Background(), 50, func(context.Context, Slot, int) error {
		return errors.New("fail")
	})
	require.Error(t, err)
	assert.Len(t, AllItemErrors(err), 5)

	last := p.LastRun()
	assert.Equal(t, int64(50), last.Errored, "dropped errors still count as errored")
	assert.Equal(t, 45, last.DroppedErrors)
}

func TestPoolOnItemError(t *testing.T) {
	var (
		mu    sync.Mutex
		infos []SlotInfo
	)
	p := NewPool(2, WithMaxErrors(1), WithOnItemError(func(info SlotInfo, err error) {
		mu.Lock()
		infos = append(infos, info)
		mu.Unlock()
	}))
	defer p.Close()

	_ = p.Run(context.Background(), 6, func(_ context.Context, _ Slot, i int) error {
		if i%2 == 1 {
			return errors.New("odd")
		}
		return nil
	})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, infos, 3, "the hook sees dropped errors too")
	for _, info := range infos {
		assert.Equal(t, 1, info.Item%2)
	}
}

func TestPoolTimeout(t *testing.T) {
	p := NewPool(2)
	defer p.Close()

	start := time.Now()
	err := p.Run(context.Background(), 10_000, func(ctx context.Context, _ Slot, _ int) error {
		select {
		case <-time.After(time.Millisecond):
		case <-ctx.Done():
		}
		return nil
	}, WithTimeout(30*time.Millisecond))
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, elapsed, 2*time.Second, "Run should return soon after the deadline")

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 30*time.Millisecond, te.Timeout)
	assert.Positive(t, te.Skipped)

	last := p.LastRun()
	assert.Equal(t, int64(10_000), last.Processed+last.Skipped, "every item is either processed or skipped")

	// Pool stays usable after a timed-out run.
	require.NoError(t, p.Run(context.Background(), 10, func(context.Context, Slot, int) error { return nil }))
}

func TestPoolParentCancel(t *testing.T) {
	p := NewPool(2)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	err := p.Run(ctx, 10_000, func(_ context.Context, _ Slot, i int) error {
		if i == 0 {
			cancel()
		}
		return nil
	}, WithChunkSize(1), WithTimeout(time.Minute))

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsTimeout(err), "parent cancellation is not a timeout")
}

func TestPoolRunAfterClose(t *testing.T) {
	p := NewPool(2)
	p.Close()
	p.Close() // idempotent

	err := p.Run(context.Background(), 1, func(context.Context, Slot, int) error { return nil })
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPoolConcurrentRunsAreSerialized(t *testing.T) {
	p := NewPool(4)
	defer p.Close()

	var (
		active     atomic.Int32
		overlapped atomic.Bool
		wg         sync.WaitGroup
	)
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Run(context.Background(), 1, func(context.Context, Slot, int) error {
				if active.Add(1) > 1 {
					overlapped.Store(true)
				}
				time.Sleep(5 * time.Millisecond)
				active.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.False(t, overlapped.Load(), "runs on one pool must not overlap")
	assert.Equal(t, int64(3), p.Stats().Runs)
}

func TestPoolStats(t *testing.T) {
	p := NewPool(3)
	defer p.Close()

	_ = p.Run(context.Background(), 30, func(_ context.Context, _ Slot, i int) error {
		if i < 2 {
			return errors.New("fail")
		}
		return nil
	})

	s := p.Stats()
	assert.Equal(t, int64(1), s.Runs)
	assert.Equal(t, int64(30), s.Processed)
	assert.Equal(t, int64(2), s.Errored)
	assert.Zero(t, s.InFlight)
	assert.Equal(t, 3, s.Workers)
	assert.Equal(t, 3, p.Workers())
}

func TestWithPoolMetrics(t *testing.T) {
	var (
		mu        sync.Mutex
		snapshots []PoolStats
	)
	p := NewPool(2, WithPoolMetrics(5*time.Millisecond, func(s PoolStats) {
		mu.Lock()
		snapshots = append(snapshots, s)
		mu.Unlock()
	}))

	err := p.Run(context.Background(), 20, func(context.Context, Slot, int) error {
		time.Sleep(2 * time.Millisecond)
		return nil
	}, WithChunkSize(1))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	p.Close()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, snapshots, "should have received at least one metrics snapshot")
	last := snapshots[len(snapshots)-1]
	assert.Equal(t, int64(20), last.Processed)
	assert.Equal(t, 2, last.Workers)
}

func TestPoolPanicsOnInvalidArgs(t *testing.T) {
	mustPanic(t, "NewPool requires n > 0", func() { NewPool(0) })
	mustPanic(t, "WithQueueSize requires non-negative size", func() { NewPool(1, WithQueueSize(-1)) })
	mustPanic(t, "WithMaxErrors requires non-negative n", func() { NewPool(1, WithMaxErrors(-1)) })
	mustPanic(t, "WithPoolMetrics requires interval > 0", func() { WithPoolMetrics(0, func(PoolStats) {}) })
	mustPanic(t, "WithPoolMetrics requires non-nil callback", func() { WithPoolMetrics(time.Second, nil) })

	p := NewPool(1)
	defer p.Close()
	mustPanic(t, "Run requires non-nil fn", func() { _ = p.Run(context.Background(), 1, nil) })
	mustPanic(t, "Run requires non-negative items", func() {
		_ = p.Run(context.Background(), -1, func(context.Context, Slot, int) error { return nil })
	})
	mustPanic(t, "WithTimeout requires non-negative duration", func() { WithTimeout(-1)(&runConfig{}) })
}

func TestChunkSize(t *testing.T) {
	assert.Equal(t, 1, chunkSize(0, 4, 0))
	assert.Equal(t, 1, chunkSize(10, 4, 0))
	assert.Equal(t, 32, chunkSize(1024, 4, 0))
	assert.Equal(t, 7, chunkSize(1024, 4, 7))
	assert.Equal(t, 125_000, chunkSize(10_000_000, 10, 0))
}

func BenchmarkPoolRun(b *testing.B) {
	p := NewPool(8)
	defer p.Close()
	var n atomic.Int64
	fn := func(context.Context, Slot, int) error {
		n.Add(1)
		return nil
	}

	b.ResetTimer()
	for range b.N {
		_ = p.Run(context.Background(), 10_000, fn)
	}
}
