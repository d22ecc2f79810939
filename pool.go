package racelab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ErrPoolClosed is returned by [Pool.Run] when the pool has been closed.
var ErrPoolClosed = errors.New("racelab: pool is closed")

// cancelCheckMask controls how often a worker polls for cancellation while
// walking a chunk: once every cancelCheckMask+1 items.
const cancelCheckMask = 255

// Slot is the identity of one worker lane. A slot belongs to the same
// goroutine for the whole life of its [Pool] and is reused by every item and
// every [Pool.Run] that lands on that worker.
type Slot struct {
	ID int
}

func (s Slot) String() string {
	return fmt.Sprintf("worker-%d", s.ID)
}

// ItemFunc processes a single work item. It receives the run's context
// (cancelled on timeout), the slot executing it, and the item index.
type ItemFunc func(ctx context.Context, slot Slot, item int) error

// Pool is a fixed-size worker pool. Its workers start in [NewPool] and keep
// their [Slot] until [Pool.Close], so consecutive runs share slots.
type Pool struct {
	chunks  chan chunk
	wg      sync.WaitGroup
	done    chan struct{}
	closed  atomic.Bool
	runMu   sync.Mutex
	cfg     poolConfig
	workers int

	statsMu sync.Mutex
	lastRun RunStats

	// Observability counters.
	runs      atomic.Int64
	processed atomic.Int64
	errored   atomic.Int64
	inFlight  atomic.Int64
}

// PoolStats provides a point-in-time snapshot of pool activity.
type PoolStats struct {
	Runs       int64 // total Run calls accepted
	Processed  int64 // items finished (success + error)
	Errored    int64 // items that returned an error or panicked
	InFlight   int64 // chunks currently executing
	QueueDepth int   // chunks waiting in the queue
	Workers    int   // worker count (fixed at creation)
}

// RunStats describes the most recent [Pool.Run].
type RunStats struct {
	Items         int
	Processed     int64
	Skipped       int64
	Errored       int64
	DroppedErrors int
	Elapsed       time.Duration
}

type chunk struct {
	run        *run
	start, end int
}

// run is the state of a single Run call shared by the chunks it dispatched.
type run struct {
	ctx context.Context
	fn  ItemFunc
	wg  sync.WaitGroup

	processed atomic.Int64
	skipped   atomic.Int64
	errored   atomic.Int64

	maxErrors   int
	onItemError func(SlotInfo, error)

	errMu   sync.Mutex
	errs    []error
	dropped int
}

func (r *run) record(slot Slot, item int, err error) {
	r.errored.Add(1)
	if r.onItemError != nil {
		r.onItemError(SlotInfo{Slot: slot, Item: item}, err)
	}

	r.errMu.Lock()
	defer r.errMu.Unlock()
	if r.maxErrors > 0 && len(r.errs) >= r.maxErrors {
		r.dropped++
		return
	}
	r.errs = append(r.errs, &ItemError{Slot: slot, Item: item, Err: err})
}

// NewPool creates a pool with n worker goroutines, one per [Slot].
// Panics if n <= 0.
func NewPool(n int, opts ...PoolOption) *Pool {
	if n <= 0 {
		panic("racelab: NewPool requires n > 0")
	}

	cfg := defaultPoolConfig(n)
	for _, opt := range opts {
		opt(&cfg)
	}

	p := &Pool{
		chunks:  make(chan chunk, cfg.queueSize),
		done:    make(chan struct{}),
		cfg:     cfg,
		workers: n,
	}

	p.wg.Add(n)
	for id := range n {
		go p.worker(Slot{ID: id})
	}

	if cfg.onMetrics != nil {
		go func() {
			ticker := time.NewTicker(cfg.metricsInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					cfg.onMetrics(p.Stats())
				case <-p.done:
					return
				}
			}
		}()
	}

	return p
}

func (p *Pool) worker(slot Slot) {
	defer p.wg.Done()
	for c := range p.chunks {
		p.runChunk(slot, c)
	}
}

func (p *Pool) runChunk(slot Slot, c chunk) {
	r := c.run
	p.inFlight.Add(1)

	var processed int64
	defer func() {
		r.processed.Add(processed)
		p.processed.Add(processed)
		p.inFlight.Add(-1)
		r.wg.Done()
	}()

	done := r.ctx.Done()
	for i := c.start; i < c.end; i++ {
		if (i-c.start)&cancelCheckMask == 0 {
			select {
			case <-done:
				r.skipped.Add(int64(c.end - i))
				return
			default:
			}
		}
		if err := runItem(r.ctx, r.fn, slot, i); err != nil {
			p.errored.Add(1)
			r.record(slot, i, err)
		}
		processed++
	}
}

func runItem(ctx context.Context, fn ItemFunc, slot Slot, item int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newPanicError(r)
		}
	}()
	return fn(ctx, slot, item)
}

// Workers returns the fixed worker count.
func (p *Pool) Workers() int {
	return p.workers
}

// Stats returns a point-in-time snapshot of pool activity.
// Safe to call concurrently.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Runs:       p.runs.Load(),
		Processed:  p.processed.Load(),
		Errored:    p.errored.Load(),
		InFlight:   p.inFlight.Load(),
		QueueDepth: len(p.chunks),
		Workers:    p.workers,
	}
}

// LastRun returns the statistics of the most recently completed [Pool.Run].
func (p *Pool) LastRun() RunStats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.lastRun
}

// Run processes the items 0..items-1 across the pool's workers and blocks
// until all of them are done or the run is cut short.
//
// Every item is processed at most once; on a complete run, exactly once.
// Item errors and panics are isolated: the remaining items still run, and
// Run returns every recorded [*ItemError] joined via [errors.Join].
//
// With [WithTimeout], Run stops dispatching once the deadline passes,
// waits for the chunks already handed to workers, and returns a
// [*TimeoutError] alongside any item errors. If ctx itself is cancelled
// first, ctx.Err() is returned instead.
//
// Concurrent calls on one pool are serialized. Returns [ErrPoolClosed]
// after [Pool.Close]. Panics if fn is nil or items is negative.
func (p *Pool) Run(ctx context.Context, items int, fn ItemFunc, opts ...RunOption) error {
	if fn == nil {
		panic("racelab: Run requires non-nil fn")
	}
	if items < 0 {
		panic("racelab: Run requires non-negative items")
	}

	var cfg runConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	p.runMu.Lock()
	defer p.runMu.Unlock()

	if p.closed.Load() {
		return ErrPoolClosed
	}

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if cfg.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, cfg.timeout)
	}
	defer cancel()

	r := &run{
		ctx:         runCtx,
		fn:          fn,
		maxErrors:   p.cfg.maxErrors,
		onItemError: p.cfg.onItemError,
	}
	p.runs.Add(1)
	start := time.Now()

	size := chunkSize(items, p.workers, cfg.chunkSize)
	dispatched := 0
dispatch:
	for lo := 0; lo < items; lo += size {
		if runCtx.Err() != nil {
			break
		}
		c := chunk{run: r, start: lo, end: min(lo+size, items)}
		r.wg.Add(1)
		select {
		case p.chunks <- c:
			dispatched = c.end
		case <-runCtx.Done():
			r.wg.Done()
			break dispatch
		}
	}
	r.wg.Wait()

	skipped := int64(items-dispatched) + r.skipped.Load()

	r.errMu.Lock()
	errs := r.errs
	dropped := r.dropped
	r.errMu.Unlock()

	p.statsMu.Lock()
	p.lastRun = RunStats{
		Items:         items,
		Processed:     r.processed.Load(),
		Skipped:       skipped,
		Errored:       r.errored.Load(),
		DroppedErrors: dropped,
		Elapsed:       time.Since(start),
	}
	p.statsMu.Unlock()

	if skipped > 0 {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
		} else {
			errs = append(errs, &TimeoutError{
				Timeout:   cfg.timeout,
				Processed: r.processed.Load(),
				Skipped:   skipped,
			})
		}
	}
	return errors.Join(errs...)
}

// Close stops the workers and waits for them to exit. A Run in progress
// completes first. Safe to call multiple times.
func (p *Pool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		p.wg.Wait()
		return
	}

	p.runMu.Lock()
	close(p.chunks)
	p.runMu.Unlock()

	p.wg.Wait()
	close(p.done)
}

// chunkSize picks how many consecutive items go into one dispatch.
// Roughly eight chunks per worker keeps the tail short without paying a
// channel operation per item.
func chunkSize(items, workers, override int) int {
	if override > 0 {
		return override
	}
	per := workers * 8
	size := (items + per - 1) / per
	return max(size, 1)
}
