package scheduler

import (
	"time"

	"github.com/hashicorp/go-hclog"

	"qgraphexec/internal/executor"
	"qgraphexec/internal/fixup"
	"qgraphexec/internal/harness"
	"qgraphexec/internal/metrics"
	"qgraphexec/internal/quantum"
)

// Config configures one Run. It is passed explicitly rather than read from
// globals, so a process can run more than one graph concurrently with
// independent settings.
type Config struct {
	// Nodes is the unfixed-up node set.
	Nodes []quantum.Node

	// Fixups are applied, in order, before scheduling begins.
	Fixups []fixup.Fixup

	// NumProc bounds how many nodes may be in flight at once. 1 means
	// serial execution.
	NumProc int

	// Timeout bounds each node's dispatch, measured from the moment the
	// node is handed to Executor/Harness, not from run start. Zero means
	// no timeout.
	Timeout time.Duration

	// FailFast, when true, tears down all in-flight nodes and stops
	// dispatching new ones as soon as any node fails or times out.
	// When false, the run continues dispatching everything still
	// reachable and only downstream-of-a-failure nodes are skipped.
	FailFast bool

	// Executor runs a node in-process. Required unless Harness is set.
	Executor executor.Executor

	// Harness runs a node in a worker subprocess. When both Executor and
	// Harness are set, Harness is used for nodes whose TaskDef reports
	// SupportsMultiprocess and NumProc > 1; Executor handles the rest.
	Harness *harness.Harness

	// ExternalContext is passed through to Executor.Execute unchanged
	// (e.g. a data-access handle). The scheduler never inspects it.
	ExternalContext any

	Logger  hclog.Logger
	Metrics *metrics.Recorder
}

func (c Config) logger() hclog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return hclog.NewNullLogger()
}

func (c Config) validate() error {
	if len(c.Nodes) == 0 {
		return configurationErrorf("no nodes in graph")
	}
	if c.NumProc < 1 {
		return configurationErrorf("numProc must be >= 1, got %d", c.NumProc)
	}
	if c.Executor == nil && c.Harness == nil {
		return configurationErrorf("either Executor or Harness must be set")
	}
	if c.NumProc > 1 {
		for _, n := range c.Nodes {
			if !n.TaskDef.SupportsMultiprocess {
				return configurationErrorf("task %q does not support multiprocessing (numProc=%d)", n.TaskDef.Label, c.NumProc)
			}
		}
	}
	return nil
}
