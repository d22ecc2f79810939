// Package counter implements interchangeable strategies for incrementing a
// count shared by many goroutines.
//
// Every strategy is a handle over a [State]. Handles are cheap and callers
// typically create one per operation, the way independent objects all touch
// one process-wide field. Whether that is safe depends on where the lock
// lives: a lock owned by the handle protects nothing once two handles exist.
package counter

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// Strategy names a counter implementation.
type Strategy string

const (
	// Unsynchronized increments with a plain read-modify-write. Updates
	// are lost under concurrency.
	Unsynchronized Strategy = "unsynchronized"

	// InstanceLock guards the increment with a mutex owned by the handle.
	// The total lives in the shared State, so handles do not exclude each
	// other and updates are still lost.
	InstanceLock Strategy = "instance-lock"

	// CoarseLock guards the increment with the mutex stored next to the
	// total in State. Exact.
	CoarseLock Strategy = "coarse-lock"

	// Atomic uses a single hardware atomic add. Exact.
	Atomic Strategy = "atomic"

	// Sharded accumulates into striped atomics and sums them on read.
	// Exact, and scales better than CoarseLock as workers grow.
	Sharded Strategy = "sharded"
)

// Strategies lists every strategy in report order.
var Strategies = []Strategy{Unsynchronized, InstanceLock, CoarseLock, Atomic, Sharded}

// Corrected reports whether s keeps an exact total under concurrency.
func (s Strategy) Corrected() bool {
	switch s {
	case CoarseLock, Atomic, Sharded:
		return true
	default:
		return false
	}
}

// Counter is the contract every strategy implements.
type Counter interface {
	Increment()
	Read() int64
	Reset()
}

// State is the process-wide total shared by all handles created from it.
// Each strategy keeps its count in its own field so one State can back a
// single strategy at a time without cross-talk.
type State struct {
	mu     sync.Mutex
	value  int64
	atomic atomic.Int64
	shards *xsync.Counter
}

// NewState returns a zeroed state.
func NewState() *State {
	return &State{shards: xsync.NewCounter()}
}

// New returns a handle implementing s over state.
// Panics on an unknown strategy.
func New(s Strategy, state *State) Counter {
	switch s {
	case Unsynchronized:
		return unsynchronized{state}
	case InstanceLock:
		return &instanceLocked{state: state}
	case CoarseLock:
		return coarseLocked{state}
	case Atomic:
		return atomicCounter{state}
	case Sharded:
		return sharded{state}
	default:
		panic(fmt.Sprintf("counter: unknown strategy %q", s))
	}
}

// Parse converts a name into a Strategy.
func Parse(name string) (Strategy, error) {
	for _, s := range Strategies {
		if string(s) == name {
			return s, nil
		}
	}
	return "", fmt.Errorf("counter: unknown strategy %q", name)
}

type unsynchronized struct{ s *State }

func (c unsynchronized) Increment() { c.s.value++ }
func (c unsynchronized) Read() int64 { return c.s.value }
func (c unsynchronized) Reset()      { c.s.value = 0 }

type instanceLocked struct {
	mu    sync.Mutex
	state *State
}

func (c *instanceLocked) Increment() {
	c.mu.Lock()
	c.state.value++
	c.mu.Unlock()
}

func (c *instanceLocked) Read() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.value
}

func (c *instanceLocked) Reset() {
	c.mu.Lock()
	c.state.value = 0
	c.mu.Unlock()
}

type coarseLocked struct{ s *State }

func (c coarseLocked) Increment() {
	c.s.mu.Lock()
	c.s.value++
	c.s.mu.Unlock()
}

func (c coarseLocked) Read() int64 {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.s.value
}

func (c coarseLocked) Reset() {
	c.s.mu.Lock()
	c.s.value = 0
	c.s.mu.Unlock()
}

type atomicCounter struct{ s *State }

func (c atomicCounter) Increment() { c.s.atomic.Add(1) }
func (c atomicCounter) Read() int64 { return c.s.atomic.Load() }
func (c atomicCounter) Reset()      { c.s.atomic.Store(0) }

type sharded struct{ s *State }

func (c sharded) Increment() { c.s.shards.Inc() }
func (c sharded) Read() int64 { return c.s.shards.Value() }
func (c sharded) Reset()      { c.s.shards.Reset() }
