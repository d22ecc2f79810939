package experiment

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/baxromumarov/racelab"
)

// LockGranularity runs slow work that touches no shared state, then appends
// to a shared slice. "coarse" holds the lock across both, "fine" only
// around the append. Both keep every element; the elapsed times differ by
// roughly the worker count.
func LockGranularity() Experiment {
	return Experiment{
		Name:        "lock-granularity",
		Description: "slow non-shared work inside a lock serializes the whole pool",
		Defaults:    Params{Items: 1000, Delay: time.Millisecond},
		Variants: []Variant{
			{Name: "coarse", Prepare: granularityWorkload(true)},
			{Name: "fine", Corrected: true, Prepare: granularityWorkload(false)},
		},
	}
}

func granularityWorkload(coarse bool) func(Params) Workload {
	return func(p Params) Workload {
		var (
			mu   sync.Mutex
			data = make([]int, 0, p.Items)
		)
		slow := func(ctx context.Context) {
			t := time.NewTimer(p.Delay)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
			}
		}

		return Workload{
			Items: p.Items,
			Do: func(ctx context.Context, _ racelab.Slot, i int) error {
				if coarse {
					mu.Lock()
					defer mu.Unlock()
					slow(ctx)
					data = append(data, i)
					return nil
				}
				slow(ctx)
				mu.Lock()
				data = append(data, i)
				mu.Unlock()
				return nil
			},
			Check: func() Outcome {
				mu.Lock()
				defer mu.Unlock()
				return exact(int64(p.Items), int64(len(data)), map[string]int64{
					"size":     int64(len(data)),
					"delay_us": p.Delay.Microseconds(),
				})
			},
		}
	}
}

// PairConsistency keeps two fields that should always be equal. Writers
// increment both; readers compare them. Each field is individually atomic,
// which makes every access race-free but not the pair: "unsynchronized"
// readers can land between the two increments. "locked" guards the pair
// with one mutex.
func PairConsistency() Experiment {
	return Experiment{
		Name:        "pair-consistency",
		Description: "two individually atomic fields are not an atomic pair",
		Defaults:    Params{Items: 1_000_000},
		Variants: []Variant{
			{Name: "unsynchronized", Prepare: pairWorkload(false)},
			{Name: "locked", Corrected: true, Prepare: pairWorkload(true)},
		},
	}
}

type pair struct {
	mu   sync.Mutex
	a, b atomic.Int64
}

func (p *pair) add(locked bool) {
	if locked {
		p.mu.Lock()
		defer p.mu.Unlock()
	}
	p.a.Add(1)
	p.b.Add(1)
}

func (p *pair) read(locked bool) (int64, int64) {
	if locked {
		p.mu.Lock()
		defer p.mu.Unlock()
	}
	return p.a.Load(), p.b.Load()
}

func pairWorkload(locked bool) func(Params) Workload {
	return func(p Params) Workload {
		var (
			pr       pair
			behind   atomic.Int64
			ahead    atomic.Int64
			compared atomic.Int64
		)

		return Workload{
			Items: p.Items,
			Do: func(_ context.Context, _ racelab.Slot, i int) error {
				if i%2 == 0 {
					pr.add(locked)
					return nil
				}
				a, b := pr.read(locked)
				compared.Add(1)
				switch {
				case a < b:
					behind.Add(1)
				case a > b:
					ahead.Add(1)
				}
				return nil
			},
			Check: func() Outcome {
				a, b := pr.read(true)
				inconsistent := behind.Load() + ahead.Load()
				return exact(0, inconsistent, map[string]int64{
					"a":            a,
					"b":            b,
					"compared":     compared.Load(),
					"a_lt_b":       behind.Load(),
					"a_gt_b":       ahead.Load(),
					"inconsistent": inconsistent,
				})
			},
		}
	}
}
