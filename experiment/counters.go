package experiment

import (
	"context"

	"github.com/baxromumarov/racelab"
	"github.com/baxromumarov/racelab/counter"
)

// Counter increments one shared total from every worker under each
// [counter.Strategy]. A handle is created per increment, so the
// instance-lock variant locks a different mutex every time.
func Counter() Experiment {
	variants := make([]Variant, 0, len(counter.Strategies))
	for _, s := range counter.Strategies {
		variants = append(variants, Variant{
			Name:      string(s),
			Corrected: s.Corrected(),
			Prepare:   counterWorkload(s),
		})
	}
	return Experiment{
		Name:        "counter",
		Description: "lost updates on a shared total; unsynchronized and per-instance locks vs shared lock, atomic and sharded accumulation",
		Defaults:    Params{Items: 1_000_000},
		Variants:    variants,
	}
}

func counterWorkload(s counter.Strategy) func(Params) Workload {
	return func(p Params) Workload {
		state := counter.NewState()
		counter.New(s, state).Reset()

		return Workload{
			Items: p.Items,
			Do: func(context.Context, racelab.Slot, int) error {
				counter.New(s, state).Increment()
				return nil
			},
			Check: func() Outcome {
				total := counter.New(s, state).Read()
				return exact(int64(p.Items), total, map[string]int64{
					"total": total,
					"lost":  int64(p.Items) - total,
				})
			},
		}
	}
}
