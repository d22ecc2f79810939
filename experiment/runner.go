package experiment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/baxromumarov/racelab"
	"github.com/baxromumarov/racelab/metrics"
)

// metricsInterval is how often pool counters are pushed to Prometheus
// while a variant runs.
const metricsInterval = 250 * time.Millisecond

// Runner executes experiments from a [Registry].
type Runner struct {
	registry *Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// RunnerOption configures a [Runner].
type RunnerOption func(*Runner)

// WithLogger sets the logger for run progress. Default discards.
func WithLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics reports variant timings, violations and pool activity to m.
func WithMetrics(m *metrics.Metrics) RunnerOption {
	return func(r *Runner) {
		r.metrics = m
	}
}

// WithRegistry replaces the built-in experiments.
func WithRegistry(reg *Registry) RunnerOption {
	return func(r *Runner) {
		if reg != nil {
			r.registry = reg
		}
	}
}

// NewRunner returns a runner over the built-in experiments.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		registry: DefaultRegistry(),
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Names returns the names of the experiments this runner knows.
func (r *Runner) Names() []string {
	return r.registry.Names()
}

// Lookup returns the named experiment.
func (r *Runner) Lookup(name string) (Experiment, bool) {
	return r.registry.Lookup(name)
}

// Run executes every selected variant of the named experiment and blocks
// until all of them finish or time out.
//
// The returned error covers only requests that cannot run at all: an
// unknown experiment or variant, invalid params, or ctx cancelled before
// every variant finished (the partial result is returned with it, the
// interrupted variant marked Cancelled). Invariant
// violations and timeouts are reported inside the [Result]; use
// [Result.Regressions] to turn the ones on corrected variants into an error.
func (r *Runner) Run(ctx context.Context, name string, p Params) (*Result, error) {
	exp, ok := r.registry.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownExperiment, name)
	}

	p = p.merge(exp.Defaults).merge(base)
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("experiment: %s: %w", name, err)
	}
	variants, err := exp.selectVariants(p.Variants)
	if err != nil {
		return nil, err
	}

	res := &Result{Experiment: exp.Name, Params: p}
	log := r.logger.With("experiment", exp.Name)
	log.Info("experiment started", "workers", p.Workers, "items", p.Items, "variants", len(variants))

	for _, v := range variants {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		vr := r.runVariant(ctx, exp.Name, v, p)
		res.Variants = append(res.Variants, vr)
	}
	if err := ctx.Err(); err != nil {
		log.Warn("experiment cancelled", "variants", len(res.Variants))
		return res, err
	}

	log.Info("experiment finished", "violations", len(res.Violations()))
	return res, nil
}

func (r *Runner) runVariant(ctx context.Context, experiment string, v Variant, p Params) VariantResult {
	log := r.logger.With("experiment", experiment, "variant", v.Name)
	w := v.Prepare(p)

	tracker := r.metrics.Track()
	pool := racelab.NewPool(p.Workers,
		racelab.WithPoolMetrics(metricsInterval, tracker.Observe),
		racelab.WithOnItemError(func(info racelab.SlotInfo, err error) {
			log.Debug("item failed", "slot", info.Slot.ID, "item", info.Item, "err", err)
		}),
	)

	var (
		runErr     error
		itemErrors int64
		timedOut   bool
	)
	rounds := max(w.Rounds, 1)
	deadline := time.Now().Add(p.Timeout)

	start := time.Now()
	for round := range rounds {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			runErr = &racelab.TimeoutError{Timeout: p.Timeout, Skipped: int64((rounds - round) * w.Items)}
			timedOut = true
			break
		}

		opts := []racelab.RunOption{racelab.WithTimeout(remaining)}
		if w.ChunkSize > 0 {
			opts = append(opts, racelab.WithChunkSize(w.ChunkSize))
		}
		err := pool.Run(ctx, w.Items, w.Do, opts...)
		itemErrors += pool.LastRun().Errored
		if err != nil {
			runErr = err
			if racelab.IsTimeout(err) || ctx.Err() != nil {
				timedOut = racelab.IsTimeout(err)
				break
			}
		}
	}
	elapsed := time.Since(start)
	cancelled := !timedOut && ctx.Err() != nil

	pool.Close()
	tracker.Flush(pool.Stats())

	out := w.Check()
	vr := VariantResult{
		Name:          v.Name,
		Corrected:     v.Corrected,
		Elapsed:       elapsed,
		InvariantHeld: out.Held && !timedOut && !cancelled,
		TimedOut:      timedOut,
		Cancelled:     cancelled,
		ItemErrors:    itemErrors,
		Expected:      out.Expected,
		Observed:      out.Values,
		Details:       out.Details,
		Err:           runErr,
	}
	if !vr.InvariantHeld && !timedOut && !cancelled {
		vr.Violation = &InvariantViolation{
			Experiment: experiment,
			Variant:    v.Name,
			Corrected:  v.Corrected,
			Expected:   out.Expected,
			Observed:   out.Actual,
		}
	}

	outcome := "ok"
	switch {
	case cancelled:
		outcome = "cancelled"
		log.Warn("variant cancelled", "elapsed", elapsed)
	case timedOut:
		outcome = "timeout"
		log.Warn("variant timed out", "elapsed", elapsed, "err", runErr)
	case vr.Violation != nil && v.Corrected:
		outcome = "regression"
		log.Error("corrected variant violated its invariant", "elapsed", elapsed,
			"expected", out.Expected, "observed", out.Actual)
	case vr.Violation != nil:
		outcome = "violation"
		log.Info("variant demonstrated its bug", "elapsed", elapsed,
			"expected", out.Expected, "observed", out.Actual)
	default:
		log.Info("variant finished", "elapsed", elapsed)
	}
	if itemErrors > 0 {
		log.Warn("items failed", "count", itemErrors, "err", firstLine(runErr.Error()))
	}

	r.metrics.ObserveVariant(experiment, v.Name, outcome, elapsed)
	if vr.Violation != nil {
		r.metrics.ObserveViolation(experiment, v.Name, v.Corrected)
	}
	return vr
}
