// Package metrics exposes experiment activity as Prometheus collectors.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/baxromumarov/racelab"
)

// Metrics holds the collectors the runner and pools report into.
// Register them once per registry with [New].
type Metrics struct {
	// Experiment runs, broken down by experiment and outcome
	// ("ok", "violation", "regression", "timeout", "cancelled").
	Runs *prometheus.CounterVec

	// Wall-clock time of each variant's pool run.
	VariantDuration *prometheus.HistogramVec

	// Invariant violations, split by whether the variant claims to be corrected.
	Violations *prometheus.CounterVec

	// Items finished by pool workers, and how many of them failed.
	ItemsProcessed prometheus.Counter
	ItemErrors     prometheus.Counter

	// Chunks currently executing across all pools.
	InFlight prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "racelab_experiment_runs_total",
				Help: "Total number of variant runs",
			},
			[]string{"experiment", "variant", "result"},
		),
		VariantDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "racelab_variant_duration_seconds",
				Help:    "Duration of a variant's workload in seconds",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms .. ~4.4min
			},
			[]string{"experiment", "variant"},
		),
		Violations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "racelab_invariant_violations_total",
				Help: "Invariant checks that failed after a variant ran",
			},
			[]string{"experiment", "variant", "corrected"},
		),
		ItemsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "racelab_pool_items_processed_total",
			Help: "Work items finished by pool workers",
		}),
		ItemErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "racelab_pool_item_errors_total",
			Help: "Work items that returned an error or panicked",
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "racelab_pool_inflight_chunks",
			Help: "Chunks currently executing",
		}),
	}

	reg.MustRegister(
		m.Runs,
		m.VariantDuration,
		m.Violations,
		m.ItemsProcessed,
		m.ItemErrors,
		m.InFlight,
	)
	return m
}

// PoolTracker turns successive [racelab.PoolStats] snapshots of one pool
// into counter increments. Pass [PoolTracker.Observe] to
// [racelab.WithPoolMetrics] and call [PoolTracker.Flush] with the final
// snapshot after the pool closes.
type PoolTracker struct {
	m *Metrics

	mu   sync.Mutex
	last racelab.PoolStats
}

// Track returns a tracker reporting into m. A nil m yields a tracker that
// does nothing.
func (m *Metrics) Track() *PoolTracker {
	return &PoolTracker{m: m}
}

// Observe records the delta since the previous snapshot.
func (t *PoolTracker) Observe(s racelab.PoolStats) {
	if t.m == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if d := s.Processed - t.last.Processed; d > 0 {
		t.m.ItemsProcessed.Add(float64(d))
	}
	if d := s.Errored - t.last.Errored; d > 0 {
		t.m.ItemErrors.Add(float64(d))
	}
	t.m.InFlight.Add(float64(s.InFlight - t.last.InFlight))
	t.last = s
}

// Flush records the final snapshot. In-flight is zeroed since a closed pool
// runs nothing.
func (t *PoolTracker) Flush(s racelab.PoolStats) {
	s.InFlight = 0
	t.Observe(s)
}

// ObserveVariant records one finished variant.
func (m *Metrics) ObserveVariant(experiment, variant, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(experiment, variant, result).Inc()
	m.VariantDuration.WithLabelValues(experiment, variant).Observe(elapsed.Seconds())
}

// ObserveViolation records a failed invariant check.
func (m *Metrics) ObserveViolation(experiment, variant string, corrected bool) {
	if m == nil {
		return
	}
	label := "false"
	if corrected {
		label = "true"
	}
	m.Violations.WithLabelValues(experiment, variant, label).Inc()
}
