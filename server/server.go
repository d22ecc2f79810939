// Package server exposes the experiment runner over HTTP.
//
// Routes:
//
//	GET  /experiments             list experiments and their variants
//	GET  /experiments/{name}      describe one experiment
//	POST /experiments/{name}/run  run it and return the result
//	GET  /metrics                 Prometheus exposition
//	GET  /healthz                 liveness
//
// Run parameters come from the query string: workers, items, reads, keys,
// tasks, rounds, delay, timeout and variants (comma separated).
// format=text renders the aligned table instead of JSON. Runs beyond the
// concurrency limit get 429, or wait their turn with [WithQueuedRuns].
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/baxromumarov/racelab"
	"github.com/baxromumarov/racelab/experiment"
)

// DefaultMaxRuns is how many experiments may run at once. Concurrent runs
// compete for CPUs and skew each other's timings.
const DefaultMaxRuns = 1

// Server routes HTTP requests to a [experiment.Runner].
type Server struct {
	runner   *experiment.Runner
	logger   *slog.Logger
	gatherer prometheus.Gatherer
	maxRuns  int
	queued   bool
	sem      *racelab.Semaphore
	router   *mux.Router
}

// Option configures a [Server].
type Option func(*Server)

// WithLogger sets the request logger. Default discards.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithGatherer serves g on /metrics. Without it /metrics is not routed.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithMaxRuns bounds concurrent experiment runs. Requests over the limit
// get 429 unless [WithQueuedRuns] is set. Panics if n <= 0.
func WithMaxRuns(n int) Option {
	if n <= 0 {
		panic("server: WithMaxRuns requires n > 0")
	}
	return func(s *Server) {
		s.maxRuns = n
	}
}

// WithQueuedRuns makes requests over the [WithMaxRuns] limit wait for a
// free run instead of getting 429. A request that gives up while waiting
// gets 503.
func WithQueuedRuns() Option {
	return func(s *Server) {
		s.queued = true
	}
}

// New returns a server over runner.
func New(runner *experiment.Runner, opts ...Option) *Server {
	s := &Server{
		runner:  runner,
		logger:  slog.New(slog.DiscardHandler),
		maxRuns: DefaultMaxRuns,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sem = racelab.NewSemaphore(s.maxRuns)

	r := mux.NewRouter()
	r.Use(s.logRequests)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/experiments", s.handleList).Methods(http.MethodGet)
	r.HandleFunc("/experiments/{name}", s.handleDescribe).Methods(http.MethodGet)
	r.HandleFunc("/experiments/{name}/run", s.handleRun).Methods(http.MethodPost)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type variantInfo struct {
	Name      string `json:"name"`
	Corrected bool   `json:"corrected"`
}

type experimentInfo struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Variants    []variantInfo `json:"variants"`
}

func describe(e experiment.Experiment) experimentInfo {
	info := experimentInfo{Name: e.Name, Description: e.Description}
	for _, v := range e.Variants {
		info.Variants = append(info.Variants, variantInfo{Name: v.Name, Corrected: v.Corrected})
	}
	return info
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"runsAvailable": s.sem.Available(),
		"runsQueued":    s.sem.Waiting(),
	})
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	names := s.runner.Names()
	out := make([]experimentInfo, 0, len(names))
	for _, name := range names {
		if e, ok := s.runner.Lookup(name); ok {
			out = append(out, describe(e))
		}
	}
	s.sendJSON(w, http.StatusOK, out)
}

func (s *Server) handleDescribe(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	e, ok := s.runner.Lookup(name)
	if !ok {
		s.sendError(w, http.StatusNotFound, fmt.Errorf("%w: %q", experiment.ErrUnknownExperiment, name))
		return
	}
	s.sendJSON(w, http.StatusOK, describe(e))
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if _, ok := s.runner.Lookup(name); !ok {
		s.sendError(w, http.StatusNotFound, fmt.Errorf("%w: %q", experiment.ErrUnknownExperiment, name))
		return
	}

	q := r.URL.Query()
	p, err := ParseParams(q)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err)
		return
	}

	if !s.acquire(w, r) {
		return
	}
	defer s.sem.Release()

	res, err := s.runner.Run(r.Context(), name, p)
	switch {
	case errors.Is(err, experiment.ErrUnknownVariant):
		s.sendError(w, http.StatusBadRequest, err)
		return
	case err != nil && res == nil:
		s.sendError(w, http.StatusInternalServerError, err)
		return
	case err != nil:
		// Client went away mid-run; nobody is left to read the partial result.
		s.logger.Warn("run interrupted", "experiment", name, "err", err)
		return
	}

	if regs := res.Regressions(); regs != nil {
		s.logger.Error("regressions detected", "experiment", name, "err", regs)
	}
	w.Header().Set("X-Racelab-Violations", strconv.Itoa(len(res.Violations())))

	if q.Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if err := res.WriteText(w); err != nil {
			s.logger.Warn("text encoding error", "err", err)
		}
		return
	}
	s.sendJSON(w, http.StatusOK, res)
}

func (s *Server) acquire(w http.ResponseWriter, r *http.Request) bool {
	if !s.queued {
		if !s.sem.TryAcquire() {
			s.sendError(w, http.StatusTooManyRequests, errors.New("another experiment is running"))
			return false
		}
		return true
	}
	if err := s.sem.Acquire(r.Context()); err != nil {
		s.sendError(w, http.StatusServiceUnavailable, fmt.Errorf("gave up waiting for a run: %w", err))
		return false
	}
	return true
}

// ParseParams maps query values onto [experiment.Params]. Absent values
// stay zero and take the experiment's defaults.
func ParseParams(q url.Values) (experiment.Params, error) {
	var (
		p    experiment.Params
		errs []error
	)
	ints := []struct {
		key string
		dst *int
	}{
		{"workers", &p.Workers},
		{"items", &p.Items},
		{"reads", &p.Reads},
		{"keys", &p.Keys},
		{"tasks", &p.Tasks},
		{"rounds", &p.Rounds},
	}
	for _, f := range ints {
		raw := q.Get(f.key)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.key, err))
			continue
		}
		*f.dst = v
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"delay", &p.Delay},
		{"timeout", &p.Timeout},
	}
	for _, f := range durations {
		raw := q.Get(f.key)
		if raw == "" {
			continue
		}
		v, err := time.ParseDuration(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.key, err))
			continue
		}
		*f.dst = v
	}

	if raw := q.Get("variants"); raw != "" {
		for _, v := range strings.Split(raw, ",") {
			if v = strings.TrimSpace(v); v != "" {
				p.Variants = append(p.Variants, v)
			}
		}
	}

	if len(errs) == 0 {
		if err := p.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return p, errors.Join(errs...)
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("json encoding error", "err", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, status int, err error) {
	s.sendJSON(w, status, map[string]string{"error": err.Error()})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"elapsed", time.Since(start),
		)
	})
}
