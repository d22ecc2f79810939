package experiment

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/baxromumarov/racelab"
)

// ThreadReuse shows identity leaking between tasks that reuse a worker
// slot. Each task reads its slot before claiming it; a value found there
// belongs to some earlier, unrelated task.
//
// "wrong" sets the slot and never clears it. "right" scopes the
// assignment so it is cleared on every exit path.
func ThreadReuse() Experiment {
	return Experiment{
		Name:        "thread-reuse",
		Description: "per-slot identity leaks into the next task on the same worker unless cleared",
		Defaults:    Params{Items: 1000, Rounds: 2},
		Variants: []Variant{
			{Name: "wrong", Prepare: reuseWorkload(false)},
			{Name: "right", Corrected: true, Prepare: reuseWorkload(true)},
		},
	}
}

func reuseWorkload(scoped bool) func(Params) Workload {
	return func(p Params) Workload {
		var (
			store    = racelab.NewSlotStore[int64]()
			nextID   atomic.Int64
			tasks    atomic.Int64
			leaked   atomic.Int64
			mismatch atomic.Int64
			sample   sampleOnce
		)

		observe := func(slot racelab.Slot, id, before int64, hadBefore bool) {
			after, _ := store.Get(slot)
			tasks.Add(1)
			if hadBefore {
				leaked.Add(1)
				sample.record(fmt.Sprintf("%s task=%d before=%d after=%d", slot, id, before, after))
			}
			if after != id {
				mismatch.Add(1)
			}
		}

		do := func(_ context.Context, slot racelab.Slot, _ int) error {
			id := nextID.Add(1)
			before, had := store.Get(slot)
			if !scoped {
				store.Set(slot, id)
				observe(slot, id, before, had)
				return nil
			}
			return store.Scoped(slot, id, func() error {
				observe(slot, id, before, had)
				return nil
			})
		}

		return Workload{
			Items:  p.Items,
			Rounds: p.Rounds,
			Do:     do,
			Check: func() Outcome {
				out := exact(0, leaked.Load()+mismatch.Load(), map[string]int64{
					"tasks":          tasks.Load(),
					"leaked":         leaked.Load(),
					"mismatched":     mismatch.Load(),
					"slots_retained": int64(store.Len()),
				})
				if s := sample.get(); s != "" {
					out.Details = map[string]string{"first_leak": s}
				}
				return out
			},
		}
	}
}

// sampleOnce keeps the first string recorded into it.
type sampleOnce struct {
	once sync.Once
	v    atomic.Value
}

func (s *sampleOnce) record(v string) {
	s.once.Do(func() { s.v.Store(v) })
}

func (s *sampleOnce) get() string {
	v, _ := s.v.Load().(string)
	return v
}
