package racelab

import (
	"context"
	"sync/atomic"
)

// Semaphore hands out a fixed number of permits. The experiment server
// holds one per running experiment so concurrent runs do not compete for
// CPUs and skew each other's timings.
type Semaphore struct {
	permits chan struct{}
	waiting atomic.Int64
}

// NewSemaphore returns a semaphore with n permits. Panics if n <= 0.
func NewSemaphore(n int) *Semaphore {
	if n <= 0 {
		panic("racelab: NewSemaphore requires n > 0")
	}
	return &Semaphore{permits: make(chan struct{}, n)}
}

// Acquire waits for a permit. It returns ctx.Err() if ctx ends first,
// in which case no permit is held.
func (s *Semaphore) Acquire(ctx context.Context) error {
	if s.TryAcquire() {
		return nil
	}
	s.waiting.Add(1)
	defer s.waiting.Add(-1)
	select {
	case s.permits <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire takes a permit if one is free.
func (s *Semaphore) TryAcquire() bool {
	select {
	case s.permits <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release returns a permit. Panics if none is held.
func (s *Semaphore) Release() {
	select {
	case <-s.permits:
	default:
		panic("racelab: Semaphore.Release called without matching Acquire")
	}
}

// Available reports free permits. Waiting reports callers blocked in
// Acquire. Both are snapshots.
func (s *Semaphore) Available() int { return cap(s.permits) - len(s.permits) }

func (s *Semaphore) Waiting() int { return int(s.waiting.Load()) }
