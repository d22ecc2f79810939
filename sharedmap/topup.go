package sharedmap

import (
	"sync"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// Entries is the map a bulk top-up fills: random keys, arbitrary values.
type Entries = xsync.MapOf[string, int64]

// Seed returns a map holding n entries under random UUID keys.
func Seed(n int) *Entries {
	m := xsync.NewMapOf[string, int64](xsync.WithPresize(n))
	fill(m, n)
	return m
}

// TopUp inserts enough fresh entries to bring m up to target and returns
// how many it decided to add. The decision reads the size once; nothing
// stops another goroutine from filling the same gap meanwhile.
func TopUp(m *Entries, target int) int {
	gap := target - m.Size()
	if gap <= 0 {
		return 0
	}
	fill(m, gap)
	return gap
}

// Filler tops a map up to a target size.
type Filler interface {
	TopUp(m *Entries, target int) int
}

// RacyFiller runs [TopUp] as is. Concurrent callers can all observe the
// same gap and overshoot the target.
type RacyFiller struct{}

func (RacyFiller) TopUp(m *Entries, target int) int {
	return TopUp(m, target)
}

// SerializedFiller holds one lock across the size check and the fill, so
// concurrent callers land exactly on the target.
type SerializedFiller struct {
	mu sync.Mutex
}

func (f *SerializedFiller) TopUp(m *Entries, target int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return TopUp(m, target)
}

func fill(m *Entries, n int) {
	for i := range n {
		m.Store(uuid.NewString(), int64(i+1))
	}
}
