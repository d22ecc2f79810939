// Package sharedlist provides two append-only integer lists with the same
// contract and opposite cost profiles under concurrency.
//
// [CopyOnWrite] never locks readers: each append publishes a fresh copy of
// the backing slice. Reads are cheap and scale; writes cost O(n).
// [Locked] guards every operation with one mutex: writes are cheap,
// readers contend with each other and with writers.
package sharedlist

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Strategy names a list implementation.
type Strategy string

const (
	CopyOnWrite Strategy = "copy-on-write"
	Locked      Strategy = "locked"
)

// Strategies lists every strategy in report order.
var Strategies = []Strategy{CopyOnWrite, Locked}

// List is the contract both strategies implement.
type List interface {
	Append(v int)
	AppendAll(vs []int)
	// Get returns the element at i, or false if i is out of range.
	Get(i int) (int, bool)
	Size() int
}

// New returns an empty list implementing s.
// Panics on an unknown strategy.
func New(s Strategy) List {
	switch s {
	case CopyOnWrite:
		return NewCopyOnWrite()
	case Locked:
		return &lockedList{}
	default:
		panic(fmt.Sprintf("sharedlist: unknown strategy %q", s))
	}
}

// Parse converts a name into a Strategy.
func Parse(name string) (Strategy, error) {
	for _, s := range Strategies {
		if string(s) == name {
			return s, nil
		}
	}
	return "", fmt.Errorf("sharedlist: unknown strategy %q", name)
}

// cowList publishes immutable snapshots. Writers serialize among themselves
// on mu; readers only load the current snapshot.
type cowList struct {
	mu   sync.Mutex
	snap atomic.Pointer[[]int]
}

// NewCopyOnWrite returns an empty copy-on-write list.
func NewCopyOnWrite() List {
	l := &cowList{}
	empty := []int{}
	l.snap.Store(&empty)
	return l
}

func (l *cowList) Append(v int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	old := *l.snap.Load()
	next := make([]int, len(old)+1)
	copy(next, old)
	next[len(old)] = v
	l.snap.Store(&next)
}

func (l *cowList) AppendAll(vs []int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	old := *l.snap.Load()
	next := make([]int, len(old), len(old)+len(vs))
	copy(next, old)
	next = append(next, vs...)
	l.snap.Store(&next)
}

func (l *cowList) Get(i int) (int, bool) {
	s := *l.snap.Load()
	if i < 0 || i >= len(s) {
		return 0, false
	}
	return s[i], true
}

func (l *cowList) Size() int {
	return len(*l.snap.Load())
}

type lockedList struct {
	mu   sync.Mutex
	data []int
}

func (l *lockedList) Append(v int) {
	l.mu.Lock()
	l.data = append(l.data, v)
	l.mu.Unlock()
}

func (l *lockedList) AppendAll(vs []int) {
	l.mu.Lock()
	l.data = append(l.data, vs...)
	l.mu.Unlock()
}

func (l *lockedList) Get(i int) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i < 0 || i >= len(l.data) {
		return 0, false
	}
	return l.data[i], true
}

func (l *lockedList) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.data)
}
