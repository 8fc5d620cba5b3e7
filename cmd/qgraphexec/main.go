// Command qgraphexec drives a quantum graph defined in a YAML or JSON file
// through the scheduler, either in-process or via a worker harness.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"qgraphexec/internal/executor"
	"qgraphexec/internal/fixup"
	"qgraphexec/internal/graphio"
	"qgraphexec/internal/harness"
	"qgraphexec/internal/metrics"
	"qgraphexec/internal/obslog"
	"qgraphexec/internal/report"
	"qgraphexec/internal/scheduler"
)

const (
	exitSuccess       = 0
	exitGraphFailure  = 1
	exitInvalidFlags  = 2
	exitConfigError   = 3
	exitInternalError = 4
	exitTimeout       = 5
)

// newExecutor builds the in-process Executor runGraph dispatches to. It is
// a package-level hook rather than an inline literal so tests can swap in
// executor.Failing or executor.Sleeping to drive the CLI's failure and
// timeout exit paths end to end; production code never overrides it.
var newExecutor = func() executor.Executor { return &executor.Mock{} }

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	code := exitSuccess
	root := newRootCmd(&code)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		var exitErr *exitCodeError
		if errors.As(err, &exitErr) {
			return exitErr.code
		}
		return exitInvalidFlags
	}
	return code
}

type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string { return e.err.Error() }
func (e *exitCodeError) Unwrap() error { return e.err }

type flags struct {
	graphPath   string
	traceOut    string
	numProc     int
	timeout     time.Duration
	startMethod string
	failFast    bool
	pdb         string
	dataIDKey   string
	reverse     bool
	logLevel    string
	logJSON     bool
}

func newRootCmd(code *int) *cobra.Command {
	f := &flags{}

	cmd := &cobra.Command{
		Use:           "qgraphexec",
		Short:         "Execute a quantum graph of interdependent tasks.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGraph(cmd.Context(), f, code)
		},
	}

	cmd.Flags().StringVar(&f.graphPath, "graph", "", "Path to a graph definition file (YAML or JSON). Required.")
	cmd.Flags().StringVar(&f.traceOut, "trace-out", "", "Optional path to write the run report (per-node reports and trace hash) as JSON.")
	cmd.Flags().IntVarP(&f.numProc, "processes", "j", 1, "Number of quanta to run concurrently.")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "Per-quantum dispatch timeout (0 disables).")
	cmd.Flags().StringVar(&f.startMethod, "start-method", string(harness.Spawn), "Worker process start method: spawn|fork|forkserver.")
	cmd.Flags().BoolVar(&f.failFast, "fail-fast", false, "Tear down in-flight quanta and stop as soon as one fails.")
	cmd.Flags().StringVar(&f.pdb, "pdb", "", "Debugger name; any non-empty value forces --processes=1. No debugger is started on task failure.")
	cmd.Flags().StringVar(&f.dataIDKey, "data-id-key", "", "Data ID field the canonical ordering fixup sorts same-label nodes by. Empty disables the fixup.")
	cmd.Flags().BoolVar(&f.reverse, "reverse", false, "Reverse the canonical ordering fixup's sort direction.")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "info", "Log level: trace|debug|info|warn|error.")
	cmd.Flags().BoolVar(&f.logJSON, "log-json", false, "Emit logs as JSON instead of human-readable text.")

	cmd.AddCommand(newWorkerCmd())
	return cmd
}

// newWorkerCmd registers the hidden subcommand the harness re-execs into
// under the Spawn and Fork/ForkServer start methods. It is never invoked
// directly by a user.
func newWorkerCmd() *cobra.Command {
	var logLevel string
	var logJSON bool

	cmd := &cobra.Command{
		Use:    harness.WorkerSubcommand,
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := obslog.New(obslog.Options{Name: "qgraphexec-worker", Level: logLevel, JSON: logJSON})
			logger.Debug("worker starting")
			return harness.RunWorkerMain(&executor.Mock{})
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: trace|debug|info|warn|error.")
	cmd.Flags().BoolVar(&logJSON, "log-json", false, "Emit logs as JSON instead of human-readable text.")
	return cmd
}

func runGraph(ctx context.Context, f *flags, code *int) error {
	logger := obslog.New(obslog.Options{Name: "qgraphexec", Level: f.logLevel, JSON: f.logJSON})

	if f.graphPath == "" {
		*code = exitInvalidFlags
		return &exitCodeError{code: exitInvalidFlags, err: fmt.Errorf("--graph is required")}
	}

	numProc := f.numProc
	if f.pdb != "" {
		numProc = 1
	}

	nodes, err := graphio.Load(f.graphPath)
	if err != nil {
		*code = exitConfigError
		return &exitCodeError{code: exitConfigError, err: err}
	}

	var fixups []fixup.Fixup
	if f.dataIDKey != "" {
		fixups = append(fixups, &fixup.Canonical{DataIDKey: f.dataIDKey, Reverse: f.reverse})
	}

	rec, err := metrics.NewRecorder(prometheus.NewRegistry())
	if err != nil {
		*code = exitInternalError
		return &exitCodeError{code: exitInternalError, err: err}
	}

	startMethod := harness.StartMethod(f.startMethod)
	var h *harness.Harness
	if numProc > 1 {
		h, err = harness.New(harness.Config{
			StartMethod: startMethod,
			PoolSize:    numProc,
			Logger:      logger.Named("harness"),
		})
		if err != nil {
			*code = exitConfigError
			return &exitCodeError{code: exitConfigError, err: err}
		}
		defer h.Close()
	}

	cfg := scheduler.Config{
		Nodes:    nodes,
		Fixups:   fixups,
		NumProc:  numProc,
		Timeout:  f.timeout,
		FailFast: f.failFast,
		Executor: newExecutor(),
		Harness:  h,
		Logger:   logger,
		Metrics:  rec,
	}

	rr, runErr := scheduler.Run(ctx, cfg)

	if f.traceOut != "" {
		if werr := writeTraceOut(f.traceOut, rr); werr != nil {
			logger.Warn("failed to write trace output", "error", werr)
		}
	}

	summary := rr.Summarize()
	fmt.Fprintln(os.Stdout, summary.String())

	if runErr == nil {
		*code = exitSuccess
		return nil
	}

	var cfgErr *scheduler.ConfigurationError
	var cycleErr *scheduler.CycleError
	if errors.As(runErr, &cfgErr) || errors.As(runErr, &cycleErr) {
		*code = exitConfigError
		return &exitCodeError{code: exitConfigError, err: runErr}
	}

	var timeoutErr *scheduler.TimeoutError
	if errors.As(runErr, &timeoutErr) {
		*code = exitTimeout
		return &exitCodeError{code: exitTimeout, err: runErr}
	}

	*code = exitGraphFailure
	return &exitCodeError{code: exitGraphFailure, err: runErr}
}

// writeTraceOut writes the run's per-node reports and trace hash to path
// as JSON. It is a best-effort diagnostic artifact, not part of the
// scheduler's contract.
func writeTraceOut(path string, rr report.RunReport) error {
	b, err := json.MarshalIndent(rr, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal trace output: %w", err)
	}
	return os.WriteFile(path, b, 0o644)
}
