package racelab

import "context"

// RunItems creates a pool of workers, runs items through it once, and
// closes the pool before returning. Use a long-lived [Pool] instead when
// slot reuse across runs matters.
//
//	err := racelab.RunItems(ctx, 10, 1_000_000, func(ctx context.Context, _ racelab.Slot, i int) error {
//	    c.Increment()
//	    return nil
//	}, racelab.WithTimeout(time.Minute))
func RunItems(ctx context.Context, workers, items int, fn ItemFunc, opts ...RunOption) error {
	p := NewPool(workers)
	defer p.Close()
	return p.Run(ctx, items, fn, opts...)
}

// ForEach runs fn once for every element of items on p.
// Each goroutine reads a distinct index, so items must not be mutated
// while ForEach is running.
func ForEach[T any](ctx context.Context, p *Pool, items []T, fn func(ctx context.Context, slot Slot, item T) error, opts ...RunOption) error {
	return p.Run(ctx, len(items), func(ctx context.Context, slot Slot, i int) error {
		return fn(ctx, slot, items[i])
	}, opts...)
}
