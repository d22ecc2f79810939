package experiment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baxromumarov/racelab"
	"github.com/baxromumarov/racelab/metrics"
)

// fixture builds a one-off experiment whose variants share do.
func fixture(name string, do racelab.ItemFunc, variants ...Variant) Experiment {
	if len(variants) == 0 {
		variants = []Variant{
			{Name: "flawed", Prepare: constWorkload(do, true)},
			{Name: "fixed", Corrected: true, Prepare: constWorkload(do, true)},
		}
	}
	return Experiment{Name: name, Defaults: Params{Items: 100}, Variants: variants}
}

func constWorkload(do racelab.ItemFunc, held bool) func(Params) Workload {
	return func(p Params) Workload {
		return Workload{
			Items: p.Items,
			Do:    do,
			Check: func() Outcome {
				actual := int64(0)
				if !held {
					actual = 1
				}
				return exact(0, actual, map[string]int64{"items": int64(p.Items)})
			},
		}
	}
}

func noop(context.Context, racelab.Slot, int) error { return nil }

func TestRunUnknownExperiment(t *testing.T) {
	r := NewRunner()
	_, err := r.Run(context.Background(), "nope", Params{})
	assert.ErrorIs(t, err, ErrUnknownExperiment)
}

func TestRunUnknownVariant(t *testing.T) {
	r := NewRunner()
	_, err := r.Run(context.Background(), "counter", Params{Variants: []string{"magic"}})
	assert.ErrorIs(t, err, ErrUnknownVariant)
}

func TestRunInvalidParams(t *testing.T) {
	r := NewRunner()
	_, err := r.Run(context.Background(), "counter", Params{Workers: -1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workers must be non-negative")
}

func TestRunAppliesDefaults(t *testing.T) {
	r := NewRunner(WithRegistry(NewRegistry(fixture("defaults", noop))))
	res, err := r.Run(context.Background(), "defaults", Params{})
	require.NoError(t, err)

	assert.Equal(t, DefaultWorkers, res.Params.Workers)
	assert.Equal(t, DefaultTimeout, res.Params.Timeout)
	assert.Equal(t, 100, res.Params.Items, "experiment defaults beat package defaults")
}

func TestRunCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewRunner(WithRegistry(NewRegistry(fixture("cancel", noop))))
	res, err := r.Run(ctx, "cancel", Params{})
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Empty(t, res.Variants)
}

func TestRunCancelledMidVariant(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	var once sync.Once
	blocking := func(ctx context.Context, _ racelab.Slot, _ int) error {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return nil
	}
	exp := fixture("midway", noop,
		Variant{Name: "stuck", Corrected: true, Prepare: constWorkload(blocking, true)},
	)
	r := NewRunner(WithRegistry(NewRegistry(exp)))

	go func() {
		<-started
		cancel()
	}()
	res, err := r.Run(ctx, "midway", Params{Workers: 2, Items: 10_000})
	require.ErrorIs(t, err, context.Canceled, "cancelling the last variant must not look like success")
	require.NotNil(t, res)
	require.Len(t, res.Variants, 1)

	v := res.Variants[0]
	assert.True(t, v.Cancelled)
	assert.False(t, v.TimedOut)
	assert.False(t, v.InvariantHeld)
	assert.Nil(t, v.Violation, "a cancelled variant is not judged")

	var buf bytes.Buffer
	require.NoError(t, res.WriteText(&buf))
	assert.Contains(t, buf.String(), "CANCELLED")
	assert.NotContains(t, buf.String(), "REGRESSION")

	raw, err := json.Marshal(res)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"cancelled":true`)
}

func TestViolationTaxonomy(t *testing.T) {
	exp := fixture("taxonomy", noop,
		Variant{Name: "flawed", Prepare: constWorkload(noop, false)},
		Variant{Name: "fixed", Corrected: true, Prepare: constWorkload(noop, true)},
		Variant{Name: "broken-fix", Corrected: true, Prepare: constWorkload(noop, false)},
	)
	r := NewRunner(WithRegistry(NewRegistry(exp)))

	res, err := r.Run(context.Background(), "taxonomy", Params{})
	require.NoError(t, err, "violations are data, not run errors")
	require.Len(t, res.Variants, 3, "every variant runs even after a violation")

	assert.Len(t, res.Violations(), 2)

	regs := res.Regressions()
	require.Error(t, regs)
	var iv *InvariantViolation
	require.ErrorAs(t, regs, &iv)
	assert.Equal(t, "broken-fix", iv.Variant)
	assert.True(t, iv.Corrected)
	assert.NotContains(t, regs.Error(), "taxonomy/flawed", "demonstrated bugs are not regressions")
}

func TestTimeoutIsReportedPerVariant(t *testing.T) {
	blocking := func(ctx context.Context, _ racelab.Slot, _ int) error {
		<-ctx.Done()
		return nil
	}
	exp := fixture("timeout", noop,
		Variant{Name: "stuck", Corrected: true, Prepare: constWorkload(blocking, true)},
		Variant{Name: "quick", Corrected: true, Prepare: constWorkload(noop, true)},
	)
	r := NewRunner(WithRegistry(NewRegistry(exp)))

	res, err := r.Run(context.Background(), "timeout", Params{
		Workers: 2,
		Items:   10_000,
		Timeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	stuck, ok := res.Variant("stuck")
	require.True(t, ok)
	assert.True(t, stuck.TimedOut)
	assert.False(t, stuck.InvariantHeld, "a timed out variant cannot claim its invariant")
	assert.True(t, racelab.IsTimeout(stuck.Err))
	assert.Nil(t, stuck.Violation, "a timeout is not an invariant violation")

	quick, ok := res.Variant("quick")
	require.True(t, ok)
	assert.False(t, quick.TimedOut, "a timeout in one variant must not abort the others")
	assert.True(t, quick.InvariantHeld)

	regs := res.Regressions()
	require.Error(t, regs)
	assert.ErrorIs(t, regs, context.DeadlineExceeded)
}

func TestItemErrorsAreCounted(t *testing.T) {
	boom := errors.New("boom")
	failing := func(_ context.Context, _ racelab.Slot, i int) error {
		if i%10 == 0 {
			return boom
		}
		return nil
	}
	exp := fixture("errors", noop, Variant{Name: "v", Corrected: true, Prepare: constWorkload(failing, true)})
	r := NewRunner(WithRegistry(NewRegistry(exp)))

	res, err := r.Run(context.Background(), "errors", Params{Items: 1000, Workers: 4})
	require.NoError(t, err)

	v := res.Variants[0]
	assert.Equal(t, int64(100), v.ItemErrors)
	assert.ErrorIs(t, v.Err, boom)
	assert.True(t, v.InvariantHeld, "item errors do not decide the invariant")
}

func TestResultJSON(t *testing.T) {
	r := NewRunner(WithRegistry(NewRegistry(fixture("json", noop))))
	res, err := r.Run(context.Background(), "json", Params{})
	require.NoError(t, err)

	raw, err := json.Marshal(res)
	require.NoError(t, err)

	var decoded struct {
		Experiment string `json:"experiment"`
		Params     struct {
			Workers int    `json:"workers"`
			Timeout string `json:"timeout"`
		} `json:"params"`
		Variants map[string]struct {
			ElapsedMillis *int64           `json:"elapsedMillis"`
			InvariantHeld bool             `json:"invariantHeld"`
			Observed      map[string]int64 `json:"observedValues"`
		} `json:"variants"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))

	assert.Equal(t, "json", decoded.Experiment)
	assert.Equal(t, "1h0m0s", decoded.Params.Timeout)
	require.Contains(t, decoded.Variants, "fixed")
	require.Contains(t, decoded.Variants, "flawed")
	assert.NotNil(t, decoded.Variants["fixed"].ElapsedMillis)
	assert.True(t, decoded.Variants["fixed"].InvariantHeld)
	assert.Equal(t, int64(100), decoded.Variants["fixed"].Observed["items"])
}

func TestResultText(t *testing.T) {
	exp := fixture("text", noop,
		Variant{Name: "flawed", Prepare: constWorkload(noop, false)},
		Variant{Name: "fixed", Corrected: true, Prepare: constWorkload(noop, true)},
	)
	r := NewRunner(WithRegistry(NewRegistry(exp)))
	res, err := r.Run(context.Background(), "text", Params{})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, res.WriteText(&buf))
	out := buf.String()

	assert.Contains(t, out, "experiment: text")
	assert.Contains(t, out, "VARIANT")
	assert.Contains(t, out, "violated")
	assert.Contains(t, out, "held")
	assert.Contains(t, out, "items=100")
}

func TestRunnerReportsMetrics(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	exp := fixture("metrics", noop,
		Variant{Name: "flawed", Prepare: constWorkload(noop, false)},
		Variant{Name: "fixed", Corrected: true, Prepare: constWorkload(noop, true)},
	)
	r := NewRunner(WithRegistry(NewRegistry(exp)), WithMetrics(m))

	_, err := r.Run(context.Background(), "metrics", Params{Items: 500})
	require.NoError(t, err)

	assert.Equal(t, 1000.0, testutil.ToFloat64(m.ItemsProcessed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues("metrics", "flawed", "violation")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues("metrics", "fixed", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Violations.WithLabelValues("metrics", "flawed", "false")))
}

func TestRegistry(t *testing.T) {
	reg := DefaultRegistry()
	assert.Equal(t, []string{
		"thread-reuse",
		"counter",
		"map-increment",
		"map-topup",
		"list-write",
		"list-read",
		"lock-granularity",
		"pair-consistency",
	}, reg.Names())

	err := reg.Register(Counter())
	assert.Error(t, err, "duplicate names are rejected")

	assert.Error(t, reg.Register(Experiment{Name: "empty"}), "experiments need variants")
	assert.Error(t, reg.Register(Experiment{}), "experiments need a name")

	_, ok := reg.Lookup("counter")
	assert.True(t, ok)
}
