package experiment

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync/atomic"

	"github.com/baxromumarov/racelab"
	"github.com/baxromumarov/racelab/sharedmap"
)

// MapIncrement counts hits per key from every worker under each
// [sharedmap.Strategy]. Each item increments a key drawn at random from
// "item0" to "item<keys-1>", so workers collide on keys unpredictably.
func MapIncrement() Experiment {
	variants := make([]Variant, 0, len(sharedmap.Strategies))
	for _, s := range sharedmap.Strategies {
		variants = append(variants, Variant{
			Name:      string(s),
			Corrected: s.Corrected(),
			Prepare:   mapIncrementWorkload(s),
		})
	}
	return Experiment{
		Name:        "map-increment",
		Description: "check-then-act on a concurrent map loses updates; atomic compute and per-key adders do not",
		Defaults:    Params{Items: 10_000_000, Keys: 10},
		Variants:    variants,
	}
}

func mapIncrementWorkload(s sharedmap.Strategy) func(Params) Workload {
	return func(p Params) Workload {
		keys := make([]string, max(p.Keys, 1))
		for i := range keys {
			keys[i] = fmt.Sprintf("item%d", i)
		}
		c := sharedmap.New(s)
		// Random keys may leave some untouched, never more than items.
		distinct := min(p.Items, len(keys))

		return Workload{
			Items: p.Items,
			Do: func(context.Context, racelab.Slot, int) error {
				c.IncrementByKey(keys[rand.IntN(len(keys))])
				return nil
			},
			Check: func() Outcome {
				snap := c.Snapshot()
				sum := sharedmap.Sum(snap)
				out := exact(int64(p.Items), sum, map[string]int64{
					"sum":  sum,
					"keys": int64(len(snap)),
					"lost": int64(p.Items) - sum,
				})
				out.Held = out.Held && len(snap) <= distinct && (p.Items == 0 || len(snap) > 0)
				return out
			},
		}
	}
}

// MapTopUp seeds a map to 90% of the target and lets several tasks top it
// up at once. Each task reads the size, computes the gap and inserts that
// many fresh keys. Unsynchronized, several tasks fill the same gap.
func MapTopUp() Experiment {
	return Experiment{
		Name:        "map-topup",
		Description: "a gap computed from a stale size overshoots unless decide and fill share one lock",
		Defaults:    Params{Items: 1000, Tasks: 10},
		Variants: []Variant{
			{Name: "racy", Prepare: topUpWorkload(func() sharedmap.Filler { return sharedmap.RacyFiller{} })},
			{Name: "serialized", Corrected: true, Prepare: topUpWorkload(func() sharedmap.Filler { return &sharedmap.SerializedFiller{} })},
		},
	}
}

func topUpWorkload(newFiller func() sharedmap.Filler) func(Params) Workload {
	return func(p Params) Workload {
		target := p.Items
		seed := target - target/10
		m := sharedmap.Seed(seed)
		f := newFiller()
		var added atomic.Int64

		return Workload{
			Items:     p.Tasks,
			ChunkSize: 1,
			Do: func(context.Context, racelab.Slot, int) error {
				added.Add(int64(f.TopUp(m, target)))
				return nil
			},
			Check: func() Outcome {
				size := int64(m.Size())
				return exact(int64(target), size, map[string]int64{
					"initial":   int64(seed),
					"target":    int64(target),
					"final":     size,
					"added":     added.Load(),
					"overshoot": size - int64(target),
				})
			},
		}
	}
}
