package racelab

import "time"

// SlotInfo identifies the worker slot and item an [ItemError] came from.
// It is passed to hooks registered via [WithOnItemError].
type SlotInfo struct {
	Slot Slot
	Item int
}

type poolConfig struct {
	queueSize       int
	maxErrors       int
	onItemError     func(SlotInfo, error)
	onMetrics       func(PoolStats)
	metricsInterval time.Duration
}

// PoolOption configures a [Pool].
type PoolOption func(*poolConfig)

func defaultPoolConfig(workers int) poolConfig {
	return poolConfig{
		queueSize: workers * 2,
		maxErrors: 1000,
	}
}

// WithQueueSize sets the chunk queue buffer size. Default is n * 2.
func WithQueueSize(size int) PoolOption {
	return func(c *poolConfig) {
		if size < 0 {
			panic("racelab: WithQueueSize requires non-negative size")
		}
		c.queueSize = size
	}
}

// WithMaxErrors caps how many item errors a single [Pool.Run] keeps.
// Errors beyond the cap are counted in [RunStats.DroppedErrors].
// Zero means unlimited. Default is 1000.
func WithMaxErrors(n int) PoolOption {
	return func(c *poolConfig) {
		if n < 0 {
			panic("racelab: WithMaxErrors requires non-negative n")
		}
		c.maxErrors = n
	}
}

// WithOnItemError registers a hook invoked for every failed item, including
// dropped ones. The hook runs on the worker goroutine that processed the item.
func WithOnItemError(fn func(SlotInfo, error)) PoolOption {
	return func(c *poolConfig) {
		c.onItemError = fn
	}
}

// WithPoolMetrics registers a periodic pool metrics callback that fires
// every interval. The callback receives a snapshot of current pool counters.
//
// Panics if interval <= 0 or fn is nil.
func WithPoolMetrics(interval time.Duration, fn func(PoolStats)) PoolOption {
	if interval <= 0 {
		panic("racelab: WithPoolMetrics requires interval > 0")
	}
	if fn == nil {
		panic("racelab: WithPoolMetrics requires non-nil callback")
	}
	return func(c *poolConfig) {
		c.onMetrics = fn
		c.metricsInterval = interval
	}
}

type runConfig struct {
	timeout   time.Duration
	chunkSize int
}

// RunOption configures a single [Pool.Run] call.
type RunOption func(*runConfig)

// WithTimeout bounds a run. When d elapses no further items are dispatched
// and Run returns a [*TimeoutError] once in-flight items finish.
// Zero means no timeout.
func WithTimeout(d time.Duration) RunOption {
	return func(c *runConfig) {
		if d < 0 {
			panic("racelab: WithTimeout requires non-negative duration")
		}
		c.timeout = d
	}
}

// WithChunkSize sets how many consecutive items a worker takes per dispatch.
// Zero selects a size from the item and worker counts.
func WithChunkSize(n int) RunOption {
	return func(c *runConfig) {
		if n < 0 {
			panic("racelab: WithChunkSize requires non-negative size")
		}
		c.chunkSize = n
	}
}
