// Package sharedmap contrasts ways of counting occurrences per key from many
// goroutines at once.
//
// A concurrent map makes each single operation safe. It does not make a
// sequence of operations atomic: a Load followed by a Store is two steps, and
// another goroutine can slip between them.
package sharedmap

import (
	"fmt"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// Strategy names a per-key increment implementation.
type Strategy string

const (
	// Naive reads the current count and writes count+1 as two separate
	// map operations. Loses updates on contended keys.
	Naive Strategy = "naive"

	// Locked runs the same check-then-act under one mutex over a plain
	// map. Exact but serializes every increment.
	Locked Strategy = "locked"

	// Compute increments inside the map's atomic per-key compute.
	Compute Strategy = "compute"

	// Adder creates a striped counter per key once, then increments it
	// without touching the map's write path again.
	Adder Strategy = "adder"
)

// Strategies lists every strategy in report order.
var Strategies = []Strategy{Naive, Locked, Compute, Adder}

// Corrected reports whether s keeps exact per-key counts.
func (s Strategy) Corrected() bool {
	return s != Naive
}

// Counts is the contract every strategy implements.
type Counts interface {
	IncrementByKey(key string)
	Snapshot() map[string]int64
}

// New returns an empty Counts implementing s.
// Panics on an unknown strategy.
func New(s Strategy) Counts {
	switch s {
	case Naive:
		return &naive{m: xsync.NewMapOf[string, int64]()}
	case Locked:
		return &locked{m: make(map[string]int64)}
	case Compute:
		return &compute{m: xsync.NewMapOf[string, int64]()}
	case Adder:
		return &adder{m: xsync.NewMapOf[string, *xsync.Counter]()}
	default:
		panic(fmt.Sprintf("sharedmap: unknown strategy %q", s))
	}
}

// Parse converts a name into a Strategy.
func Parse(name string) (Strategy, error) {
	for _, s := range Strategies {
		if string(s) == name {
			return s, nil
		}
	}
	return "", fmt.Errorf("sharedmap: unknown strategy %q", name)
}

// Sum adds up every count in snapshot.
func Sum(snapshot map[string]int64) int64 {
	var total int64
	for _, v := range snapshot {
		total += v
	}
	return total
}

type naive struct {
	m *xsync.MapOf[string, int64]
}

func (c *naive) IncrementByKey(key string) {
	v, _ := c.m.Load(key)
	// another goroutine can store between the Load above and the Store below
	c.m.Store(key, v+1)
}

func (c *naive) Snapshot() map[string]int64 {
	return snapshotOf(c.m)
}

type locked struct {
	mu sync.Mutex
	m  map[string]int64
}

func (c *locked) IncrementByKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.m[key]; ok {
		c.m[key] = v + 1
	} else {
		c.m[key] = 1
	}
}

func (c *locked) Snapshot() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.m))
	for k, v := range c.m {
		out[k] = v
	}
	return out
}

type compute struct {
	m *xsync.MapOf[string, int64]
}

func (c *compute) IncrementByKey(key string) {
	c.m.Compute(key, func(old int64, _ bool) (int64, bool) {
		return old + 1, false
	})
}

func (c *compute) Snapshot() map[string]int64 {
	return snapshotOf(c.m)
}

type adder struct {
	m *xsync.MapOf[string, *xsync.Counter]
}

func (c *adder) IncrementByKey(key string) {
	ctr, _ := c.m.LoadOrCompute(key, xsync.NewCounter)
	ctr.Inc()
}

func (c *adder) Snapshot() map[string]int64 {
	out := make(map[string]int64, c.m.Size())
	c.m.Range(func(k string, v *xsync.Counter) bool {
		out[k] = v.Value()
		return true
	})
	return out
}

func snapshotOf(m *xsync.MapOf[string, int64]) map[string]int64 {
	out := make(map[string]int64, m.Size())
	m.Range(func(k string, v int64) bool {
		out[k] = v
		return true
	})
	return out
}
