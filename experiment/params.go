package experiment

import (
	"errors"
	"fmt"
	"time"
)

// Default parameters shared by every experiment unless it overrides them.
const (
	DefaultWorkers = 10
	DefaultTimeout = time.Hour
)

// Params shapes an experiment's workload. Zero fields take the
// experiment's defaults, then the package defaults.
type Params struct {
	// Workers is the pool size each variant runs on.
	Workers int
	// Items is the number of work items per round (increments, appends,
	// tasks, target size; see each experiment).
	Items int
	// Reads is the number of reads for read-heavy experiments.
	Reads int
	// Keys is the number of distinct keys for keyed experiments.
	Keys int
	// Tasks is the number of concurrent top-up tasks.
	Tasks int
	// Rounds is how many consecutive runs share one pool.
	Rounds int
	// Delay is simulated work that touches no shared state.
	Delay time.Duration
	// Timeout bounds each variant. A variant that exceeds it is reported
	// as timed out; the remaining variants still run.
	Timeout time.Duration
	// Variants restricts the run to the named variants, in the given
	// order. Empty means all of them.
	Variants []string
}

// merge fills every zero field of p from d.
func (p Params) merge(d Params) Params {
	if p.Workers == 0 {
		p.Workers = d.Workers
	}
	if p.Items == 0 {
		p.Items = d.Items
	}
	if p.Reads == 0 {
		p.Reads = d.Reads
	}
	if p.Keys == 0 {
		p.Keys = d.Keys
	}
	if p.Tasks == 0 {
		p.Tasks = d.Tasks
	}
	if p.Rounds == 0 {
		p.Rounds = d.Rounds
	}
	if p.Delay == 0 {
		p.Delay = d.Delay
	}
	if p.Timeout == 0 {
		p.Timeout = d.Timeout
	}
	if len(p.Variants) == 0 {
		p.Variants = d.Variants
	}
	return p
}

var base = Params{
	Workers: DefaultWorkers,
	Items:   1000,
	Reads:   1000,
	Keys:    10,
	Tasks:   10,
	Rounds:  1,
	Timeout: DefaultTimeout,
}

// Validate reports parameters no experiment can run with.
func (p Params) Validate() error {
	var errs []error
	check := func(name string, v int64) {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must be non-negative, got %d", name, v))
		}
	}
	check("workers", int64(p.Workers))
	check("items", int64(p.Items))
	check("reads", int64(p.Reads))
	check("keys", int64(p.Keys))
	check("tasks", int64(p.Tasks))
	check("rounds", int64(p.Rounds))
	check("delay", int64(p.Delay))
	check("timeout", int64(p.Timeout))
	return errors.Join(errs...)
}
