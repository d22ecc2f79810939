package experiment

import (
	"context"
	"math/rand/v2"
	"sync/atomic"

	"github.com/baxromumarov/racelab"
	"github.com/baxromumarov/racelab/sharedlist"
)

// ListWrite appends Items random values to each [sharedlist.Strategy] from
// every worker. Both variants are correct; the copy-on-write list pays a
// full copy per append.
func ListWrite() Experiment {
	return Experiment{
		Name:        "list-write",
		Description: "write-heavy load: copy-on-write copies the whole list per append, a locked list does not",
		Defaults:    Params{Items: 100_000},
		Variants:    listVariants(listWriteWorkload),
	}
}

// ListRead reads Reads random indexes from a list pre-populated with Items
// elements. Both variants are correct; the locked list makes readers
// contend.
func ListRead() Experiment {
	return Experiment{
		Name:        "list-read",
		Description: "read-heavy load: copy-on-write reads never lock, a locked list serializes readers",
		Defaults:    Params{Items: 1_000_000, Reads: 1_000_000},
		Variants:    listVariants(listReadWorkload),
	}
}

func listVariants(build func(sharedlist.Strategy) func(Params) Workload) []Variant {
	out := make([]Variant, 0, len(sharedlist.Strategies))
	for _, s := range sharedlist.Strategies {
		out = append(out, Variant{Name: string(s), Corrected: true, Prepare: build(s)})
	}
	return out
}

func listWriteWorkload(s sharedlist.Strategy) func(Params) Workload {
	return func(p Params) Workload {
		l := sharedlist.New(s)
		bound := max(p.Items, 1)

		return Workload{
			Items: p.Items,
			Do: func(context.Context, racelab.Slot, int) error {
				l.Append(rand.IntN(bound))
				return nil
			},
			Check: func() Outcome {
				size := int64(l.Size())
				return exact(int64(p.Items), size, map[string]int64{"size": size})
			},
		}
	}
}

func listReadWorkload(s sharedlist.Strategy) func(Params) Workload {
	return func(p Params) Workload {
		l := sharedlist.New(s)
		seed := make([]int, p.Items)
		for i := range seed {
			seed[i] = i + 1
		}
		l.AppendAll(seed)
		size := max(p.Items, 1)

		var misses atomic.Int64
		return Workload{
			Items: p.Reads,
			Do: func(context.Context, racelab.Slot, int) error {
				if v, ok := l.Get(rand.IntN(size)); !ok || v == 0 {
					misses.Add(1)
				}
				return nil
			},
			Check: func() Outcome {
				return exact(0, misses.Load(), map[string]int64{
					"size":   int64(l.Size()),
					"reads":  int64(p.Reads),
					"misses": misses.Load(),
				})
			},
		}
	}
}
