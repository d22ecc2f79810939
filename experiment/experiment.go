// Package experiment runs strategy variants side by side and reports how
// they diverge.
//
// An [Experiment] is a named set of [Variant]s sharing one workload shape.
// [Runner.Run] gives each variant fresh shared state and a fresh pool,
// times its workload, checks its invariant, and collects everything into a
// [Result]. A failed invariant is data, not an abort: every variant runs
// and is timed regardless.
package experiment

import (
	"errors"
	"fmt"
	"sync"

	"github.com/baxromumarov/racelab"
)

// ErrUnknownExperiment is returned by [Runner.Run] for a name that is not
// registered.
var ErrUnknownExperiment = errors.New("experiment: unknown experiment")

// ErrUnknownVariant is returned by [Runner.Run] when [Params.Variants]
// names a variant the experiment does not have.
var ErrUnknownVariant = errors.New("experiment: unknown variant")

// Experiment is a named comparison between strategy variants.
type Experiment struct {
	Name        string
	Description string
	// Defaults override the package defaults for this experiment.
	Defaults Params
	Variants []Variant
}

// Variant is one strategy under test.
type Variant struct {
	Name string
	// Corrected marks variants that claim to uphold the invariant. A
	// violation on a corrected variant is a regression.
	Corrected bool
	// Prepare builds fresh shared state and the workload over it.
	// Prepare is not timed.
	Prepare func(p Params) Workload
}

// Workload is what a variant runs on the pool.
type Workload struct {
	// Items per round.
	Items int
	// Rounds is how many consecutive runs share one pool; at least one.
	Rounds int
	// ChunkSize, if set, overrides the pool's chunking.
	ChunkSize int
	// Do processes one item.
	Do racelab.ItemFunc
	// Check inspects the shared state after the last round.
	Check func() Outcome
}

// Outcome is what a variant's invariant check observed.
type Outcome struct {
	Held     bool
	Expected int64
	// Actual is the value compared against Expected.
	Actual  int64
	Values  map[string]int64
	Details map[string]string
}

// exact builds the outcome of an "actual must equal expected" check.
func exact(expected, actual int64, values map[string]int64) Outcome {
	return Outcome{
		Held:     actual == expected,
		Expected: expected,
		Actual:   actual,
		Values:   values,
	}
}

func (e Experiment) selectVariants(names []string) ([]Variant, error) {
	if len(names) == 0 {
		return e.Variants, nil
	}
	out := make([]Variant, 0, len(names))
	for _, name := range names {
		v, ok := e.variant(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s/%s", ErrUnknownVariant, e.Name, name)
		}
		out = append(out, v)
	}
	return out, nil
}

func (e Experiment) variant(name string) (Variant, bool) {
	for _, v := range e.Variants {
		if v.Name == name {
			return v, true
		}
	}
	return Variant{}, false
}

// Registry holds experiments by name. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	exps  map[string]Experiment
	order []string
}

// NewRegistry returns a registry holding exps.
// Panics on duplicate names.
func NewRegistry(exps ...Experiment) *Registry {
	r := &Registry{exps: make(map[string]Experiment, len(exps))}
	for _, e := range exps {
		if err := r.Register(e); err != nil {
			panic(err)
		}
	}
	return r
}

// DefaultRegistry returns a registry holding every built-in experiment.
func DefaultRegistry() *Registry {
	return NewRegistry(Builtins()...)
}

// Register adds e. It fails if the name is empty, taken, or e has no variants.
func (r *Registry) Register(e Experiment) error {
	if e.Name == "" {
		return errors.New("experiment: empty name")
	}
	if len(e.Variants) == 0 {
		return fmt.Errorf("experiment: %s has no variants", e.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.exps[e.Name]; ok {
		return fmt.Errorf("experiment: %s already registered", e.Name)
	}
	r.exps[e.Name] = e
	r.order = append(r.order, e.Name)
	return nil
}

// Lookup returns the experiment registered under name.
func (r *Registry) Lookup(name string) (Experiment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.exps[name]
	return e, ok
}

// Names returns registered names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Builtins returns fresh copies of every built-in experiment.
func Builtins() []Experiment {
	return []Experiment{
		ThreadReuse(),
		Counter(),
		MapIncrement(),
		MapTopUp(),
		ListWrite(),
		ListRead(),
		LockGranularity(),
		PairConsistency(),
	}
}
