// Command racelab runs concurrency experiments from the command line or
// serves them over HTTP.
//
//	racelab -list
//	racelab -run counter -items 1000000 -workers 16
//	racelab -run all -json
//	racelab -serve :8080
//
// Flags default from RACELAB_* environment variables (RACELAB_WORKERS,
// RACELAB_TIMEOUT, RACELAB_LOG_LEVEL, RACELAB_ADDR).
//
// The exit status is 1 when a corrected variant violates its invariant,
// times out or is interrupted, and 2 on usage errors.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/baxromumarov/racelab/experiment"
	"github.com/baxromumarov/racelab/metrics"
	"github.com/baxromumarov/racelab/server"
)

const (
	exitOK         = 0
	exitRegression = 1
	exitUsage      = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Getenv, os.Stdout, os.Stderr))
}

type options struct {
	list     bool
	name     string
	serve    string
	asJSON   bool
	logLevel string
	params   experiment.Params
	variants string
}

func parseFlags(args []string, getenv func(string) string, stderr io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("racelab", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var envErrs []error
	envInt := func(key string) int {
		raw := getenv(key)
		if raw == "" {
			return 0
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			envErrs = append(envErrs, fmt.Errorf("%s: %w", key, err))
		}
		return v
	}
	envDuration := func(key string) time.Duration {
		raw := getenv(key)
		if raw == "" {
			return 0
		}
		v, err := time.ParseDuration(raw)
		if err != nil {
			envErrs = append(envErrs, fmt.Errorf("%s: %w", key, err))
		}
		return v
	}
	envString := func(key, def string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return def
	}

	fs.BoolVar(&o.list, "list", false, "List experiments and exit")
	fs.StringVar(&o.name, "run", "", `Experiment to run, or "all"`)
	fs.StringVar(&o.serve, "serve", envString("RACELAB_ADDR", ""), "Serve the HTTP API on this address")
	fs.BoolVar(&o.asJSON, "json", false, "Print results as JSON")
	fs.StringVar(&o.logLevel, "log-level", envString("RACELAB_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	fs.StringVar(&o.variants, "variants", "", "Comma-separated variants to run (default all)")
	fs.IntVar(&o.params.Workers, "workers", envInt("RACELAB_WORKERS"), "Pool size (0 uses the experiment default)")
	fs.IntVar(&o.params.Items, "items", 0, "Work items per round (0 uses the experiment default)")
	fs.IntVar(&o.params.Reads, "reads", 0, "Reads for read-heavy experiments")
	fs.IntVar(&o.params.Keys, "keys", 0, "Distinct keys for keyed experiments")
	fs.IntVar(&o.params.Tasks, "tasks", 0, "Concurrent top-up tasks")
	fs.IntVar(&o.params.Rounds, "rounds", 0, "Consecutive runs sharing one pool")
	fs.DurationVar(&o.params.Delay, "delay", 0, "Simulated slow work per item")
	fs.DurationVar(&o.params.Timeout, "timeout", envDuration("RACELAB_TIMEOUT"), "Per-variant timeout (0 uses the default)")

	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if err := errors.Join(envErrs...); err != nil {
		return o, err
	}
	if fs.NArg() > 0 {
		return o, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	if o.variants != "" {
		for _, v := range strings.Split(o.variants, ",") {
			if v = strings.TrimSpace(v); v != "" {
				o.params.Variants = append(o.params.Variants, v)
			}
		}
	}
	if !o.list && o.name == "" && o.serve == "" {
		fs.Usage()
		return o, errors.New("one of -list, -run or -serve is required")
	}
	if o.name == "all" && len(o.params.Variants) > 0 {
		return o, errors.New("-variants needs a single experiment")
	}
	return o, o.params.Validate()
}

func newLogger(level string, w io.Writer) (*slog.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l})), nil
}

func run(ctx context.Context, args []string, getenv func(string) string, stdout, stderr io.Writer) int {
	o, err := parseFlags(args, getenv, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		fmt.Fprintf(stderr, "racelab: %v\n", err)
		return exitUsage
	}
	logger, err := newLogger(o.logLevel, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "racelab: %v\n", err)
		return exitUsage
	}

	reg := prometheus.NewRegistry()
	runner := experiment.NewRunner(
		experiment.WithLogger(logger),
		experiment.WithMetrics(metrics.New(reg)),
	)

	switch {
	case o.list:
		return list(runner, stdout)
	case o.serve != "":
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		if err := serve(ctx, o.serve, server.New(runner, server.WithLogger(logger), server.WithGatherer(reg)), logger); err != nil {
			logger.Error("server failed", "err", err)
			return exitRegression
		}
		return exitOK
	}

	names := []string{o.name}
	if o.name == "all" {
		names = runner.Names()
	}

	status := exitOK
	for _, name := range names {
		res, err := runner.Run(ctx, name, o.params)
		if errors.Is(err, experiment.ErrUnknownExperiment) || errors.Is(err, experiment.ErrUnknownVariant) {
			fmt.Fprintf(stderr, "racelab: %v\n", err)
			return exitUsage
		}
		if res != nil {
			if werr := render(res, o.asJSON, stdout); werr != nil {
				logger.Error("render", "err", werr)
			}
			if regs := res.Regressions(); regs != nil {
				logger.Error("regressions", "experiment", name, "err", regs)
				status = exitRegression
			}
		}
		if err != nil {
			logger.Error("run stopped", "experiment", name, "err", err)
			return exitRegression
		}
	}
	return status
}

func list(runner *experiment.Runner, w io.Writer) int {
	for _, name := range runner.Names() {
		e, _ := runner.Lookup(name)
		variants := make([]string, len(e.Variants))
		for i, v := range e.Variants {
			variants[i] = v.Name
			if v.Corrected {
				variants[i] += "*"
			}
		}
		fmt.Fprintf(w, "%-18s %s\n%-18s variants: %s\n", e.Name, e.Description, "", strings.Join(variants, ", "))
	}
	return exitOK
}

func render(res *experiment.Result, asJSON bool, w io.Writer) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	if err := res.WriteText(w); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w)
	return err
}

func serve(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
