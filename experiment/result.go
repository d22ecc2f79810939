package experiment

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"
	"time"
)

// InvariantViolation reports a correctness check that failed after a
// variant ran. On a flawed variant it is the bug being demonstrated; on a
// corrected variant it is a regression.
type InvariantViolation struct {
	Experiment string
	Variant    string
	Corrected  bool
	Expected   int64
	Observed   int64
}

func (e *InvariantViolation) Error() string {
	kind := "demonstrated bug"
	if e.Corrected {
		kind = "regression"
	}
	return fmt.Sprintf("%s/%s: invariant violated (%s): expected %d, observed %d",
		e.Experiment, e.Variant, kind, e.Expected, e.Observed)
}

// VariantResult is the outcome of one strategy variant.
type VariantResult struct {
	Name          string
	Corrected     bool
	Elapsed       time.Duration
	InvariantHeld bool
	TimedOut      bool
	Cancelled     bool
	ItemErrors    int64
	Expected      int64
	Observed      map[string]int64
	Details       map[string]string

	// Violation is set when the invariant check failed. It stays nil for
	// TimedOut and Cancelled variants, whose invariant is not judged.
	Violation *InvariantViolation
	// Err is the pool error, if the run timed out or items failed.
	Err error
}

type variantJSON struct {
	Corrected     bool              `json:"corrected"`
	ElapsedMillis int64             `json:"elapsedMillis"`
	InvariantHeld bool              `json:"invariantHeld"`
	TimedOut      bool              `json:"timedOut,omitempty"`
	Cancelled     bool              `json:"cancelled,omitempty"`
	ItemErrors    int64             `json:"itemErrors,omitempty"`
	Error         string            `json:"error,omitempty"`
	Expected      int64             `json:"expected"`
	Observed      map[string]int64  `json:"observedValues"`
	Details       map[string]string `json:"details,omitempty"`
}

func (v VariantResult) MarshalJSON() ([]byte, error) {
	out := variantJSON{
		Corrected:     v.Corrected,
		ElapsedMillis: v.Elapsed.Milliseconds(),
		InvariantHeld: v.InvariantHeld,
		TimedOut:      v.TimedOut,
		Cancelled:     v.Cancelled,
		ItemErrors:    v.ItemErrors,
		Expected:      v.Expected,
		Observed:      v.Observed,
		Details:       v.Details,
	}
	if v.Err != nil {
		out.Error = firstLine(v.Err.Error())
	}
	return json.Marshal(out)
}

// Result is the comparative report of one experiment invocation.
// It is created fresh per run and never persisted.
type Result struct {
	Experiment string
	Params     Params
	Variants   []VariantResult
}

type paramsJSON struct {
	Workers int    `json:"workers"`
	Items   int    `json:"items"`
	Reads   int    `json:"reads,omitempty"`
	Keys    int    `json:"keys,omitempty"`
	Tasks   int    `json:"tasks,omitempty"`
	Rounds  int    `json:"rounds,omitempty"`
	Delay   string `json:"delay,omitempty"`
	Timeout string `json:"timeout"`
}

// MarshalJSON renders variants as an object keyed by variant name.
func (r *Result) MarshalJSON() ([]byte, error) {
	variants := make(map[string]VariantResult, len(r.Variants))
	for _, v := range r.Variants {
		variants[v.Name] = v
	}
	p := paramsJSON{
		Workers: r.Params.Workers,
		Items:   r.Params.Items,
		Reads:   r.Params.Reads,
		Keys:    r.Params.Keys,
		Tasks:   r.Params.Tasks,
		Rounds:  r.Params.Rounds,
		Timeout: r.Params.Timeout.String(),
	}
	if r.Params.Delay > 0 {
		p.Delay = r.Params.Delay.String()
	}
	return json.Marshal(struct {
		Experiment string                   `json:"experiment"`
		Params     paramsJSON               `json:"params"`
		Variants   map[string]VariantResult `json:"variants"`
	}{r.Experiment, p, variants})
}

// Variant returns the result of the named variant.
func (r *Result) Variant(name string) (VariantResult, bool) {
	for _, v := range r.Variants {
		if v.Name == name {
			return v, true
		}
	}
	return VariantResult{}, false
}

// Violations returns every failed invariant check, flawed variants included.
func (r *Result) Violations() []*InvariantViolation {
	var out []*InvariantViolation
	for _, v := range r.Variants {
		if v.Violation != nil {
			out = append(out, v.Violation)
		}
	}
	return out
}

// Regressions returns the failures of variants that claim to be corrected:
// invariant violations and timeouts, joined via [errors.Join].
// Failures of flawed variants are expected and not included.
func (r *Result) Regressions() error {
	var errs []error
	for _, v := range r.Variants {
		if !v.Corrected {
			continue
		}
		if v.Violation != nil {
			errs = append(errs, v.Violation)
		}
		if v.TimedOut {
			errs = append(errs, fmt.Errorf("%s/%s: %w", r.Experiment, v.Name, v.Err))
		}
	}
	return errors.Join(errs...)
}

// WriteText renders the result as an aligned table.
func (r *Result) WriteText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "experiment: %s (workers=%d items=%d timeout=%s)\n",
		r.Experiment, r.Params.Workers, r.Params.Items, r.Params.Timeout)
	fmt.Fprintln(tw, "VARIANT\tCORRECTED\tELAPSED\tINVARIANT\tOBSERVED")
	for _, v := range r.Variants {
		status := "held"
		switch {
		case v.Cancelled:
			status = "CANCELLED"
		case v.TimedOut:
			status = "TIMEOUT"
		case !v.InvariantHeld && v.Corrected:
			status = "REGRESSION"
		case !v.InvariantHeld:
			status = "violated"
		}
		fmt.Fprintf(tw, "%s\t%t\t%s\t%s\t%s\n",
			v.Name, v.Corrected, v.Elapsed.Round(time.Microsecond), status, formatValues(v.Observed))
	}
	return tw.Flush()
}

func formatValues(values map[string]int64) string {
	keys := slices.Sorted(maps.Keys(values))
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, values[k])
	}
	return strings.Join(parts, " ")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
