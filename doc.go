// Package racelab is a laboratory for classic concurrency pitfalls.
//
// Each experiment runs the same workload under a flawed synchronization
// strategy and under a corrected one, then reports the divergence: lost
// updates, identities leaking between tasks, latency blow-ups. The root
// package holds the execution engine. Strategies live in the counter,
// sharedmap and sharedlist subpackages; the experiment subpackage compares
// them.
//
// # Worker Pool
//
// [Pool] is a fixed-size worker pool. [NewPool] starts n workers, each bound
// to a [Slot] for the lifetime of the pool. [Pool.Run] fans the item indexes
// 0..n-1 out in contiguous chunks and blocks until every item is processed:
//
//	p := racelab.NewPool(10)
//	defer p.Close()
//
//	err := p.Run(ctx, 1_000_000, func(ctx context.Context, slot racelab.Slot, i int) error {
//	    c.Increment()
//	    return nil
//	}, racelab.WithTimeout(time.Hour))
//
// [RunItems] is the one-shot form; [ForEach] adapts a slice.
//
// # Errors
//
// A failing or panicking item never stops its siblings. Each failure is
// wrapped in an [*ItemError] (panics as [*PanicError]) and [Pool.Run]
// returns them joined via [errors.Join]. Use [WithMaxErrors] to cap how many
// are kept and [AllItemErrors] to inspect them.
//
// A run cut short by [WithTimeout] returns a [*TimeoutError]. Dispatching
// stops, in-flight items finish, and only then does Run return, so no
// worker is left behind. [IsTimeout] detects it.
//
// # Slot Reuse
//
// Because slots outlive the items they process, anything an item stores
// against its slot is visible to the next item on that worker. [SlotStore]
// models that per-slot storage. [SlotStore.Scoped] is the safe way to use
// it: the slot is cleared on every exit path.
//
// # Observability
//
//   - [Pool.Stats]: counters for runs, processed and errored items, in-flight chunks.
//   - [Pool.LastRun]: processed/skipped/errored counts of the last run.
//   - [WithPoolMetrics]: periodic [PoolStats] snapshots.
//   - [WithOnItemError]: invoked for every failed item.
package racelab
