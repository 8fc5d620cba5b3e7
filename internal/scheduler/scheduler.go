// Package scheduler walks a quantum graph to completion, dispatching
// ready nodes to an Executor or worker Harness under a bounded
// concurrency limit, enforcing per-node timeouts, and propagating
// failures as cascading skips.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"qgraphexec/internal/executor"
	"qgraphexec/internal/graphview"
	"qgraphexec/internal/harness"
	"qgraphexec/internal/quantum"
	"qgraphexec/internal/report"
	"qgraphexec/internal/tracing"
)

type outcome struct {
	index   int
	payload quantum.Payload
	err     error
}

type run struct {
	cfg    Config
	view   *graphview.View
	logger interface {
		Debug(msg string, args ...any)
		Info(msg string, args ...any)
		Warn(msg string, args ...any)
		Error(msg string, args ...any)
	}

	mu                sync.Mutex
	state             map[int]quantum.State
	remainingDeps     map[int]int
	remaining         int
	failFastTriggered bool
	skipCause         map[int]int

	cancel context.CancelFunc

	aggregator *report.Aggregator
	tracer     *tracing.Recorder
}

// Run applies cfg.Fixups, validates the resulting graph, and executes it
// to completion. It returns the run's report regardless of outcome; the
// error, when non-nil, is one of ConfigurationError, CycleError,
// TimeoutError, or GraphExecutionError.
func Run(ctx context.Context, cfg Config) (report.RunReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := cfg.validate(); err != nil {
		return report.RunReport{}, err
	}

	view, err := graphview.New(cfg.Nodes)
	if err != nil {
		return report.RunReport{}, configurationErrorf("%s", err)
	}
	for _, fx := range cfg.Fixups {
		view, err = fx.Apply(view)
		if err != nil {
			return report.RunReport{}, configurationErrorf("applying fixup: %s", err)
		}
	}
	if cycle := view.FindCycle(); len(cycle) > 0 {
		indices := make([]int, len(cycle))
		for i, n := range cycle {
			indices[i] = n.Index
		}
		return report.RunReport{}, &CycleError{NodeIndices: indices}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	runID := uuid.NewString()
	r := &run{
		cfg:           cfg,
		view:          view,
		logger:        cfg.logger(),
		state:         make(map[int]quantum.State, view.Size()),
		remainingDeps: make(map[int]int, view.Size()),
		remaining:     view.Size(),
		skipCause:     make(map[int]int),
		cancel:        cancel,
		aggregator:    report.NewAggregator(runID),
		tracer:        tracing.NewRecorder(),
	}

	var initialReady []int
	for _, n := range view.Nodes() {
		r.state[n.Index] = quantum.Pending
		r.remainingDeps[n.Index] = len(n.Dependencies)
		if len(n.Dependencies) == 0 {
			initialReady = append(initialReady, n.Index)
		}
	}
	sort.Ints(initialReady)

	sem := semaphore.NewWeighted(int64(cfg.NumProc))
	doneCh := make(chan outcome, view.Size())
	var wg sync.WaitGroup

	dispatch := func(indices []int) {
		for _, idx := range indices {
			r.mu.Lock()
			r.state[idx] = quantum.Ready
			r.mu.Unlock()
			if cfg.NumProc == 1 {
				// Serial mode runs each ready node inline, in ready-list
				// order, so execution order is deterministic.
				r.dispatchOne(runCtx, sem, idx, doneCh)
				continue
			}
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				r.dispatchOne(runCtx, sem, idx, doneCh)
			}(idx)
		}
	}

	dispatch(initialReady)

	for r.remaining > 0 {
		select {
		case <-ctx.Done():
			r.triggerTeardown("external cancellation")
			// Drain remaining outcomes so every dispatched goroutine can
			// be reaped; their results are downgraded to Skipped below.
		case o := <-doneCh:
			ready := r.handleOutcome(o)
			dispatch(ready)
			continue
		}

		// ctx.Done branch falls through to draining once teardown fires.
		for r.remaining > 0 {
			o := <-doneCh
			ready := r.handleOutcome(o)
			dispatch(ready)
		}
	}

	wg.Wait()

	r.mu.Lock()
	r.finalizeSkips()
	r.mu.Unlock()

	trace := r.tracer.Trace(runID)
	traceHash, _ := trace.Hash()
	rr := r.aggregator.Finish(traceHash)

	if reporting, ok := r.cfg.Executor.(executor.ReportingExecutor); ok {
		rr.ExecutorReport = reporting.GetReport()
	}

	return rr, r.finalError()
}

func (r *run) dispatchOne(ctx context.Context, sem *semaphore.Weighted, idx int, doneCh chan<- outcome) {
	if err := sem.Acquire(ctx, 1); err != nil {
		doneCh <- outcome{index: idx, err: err}
		return
	}
	defer sem.Release(1)

	r.mu.Lock()
	r.state[idx] = quantum.Running
	r.mu.Unlock()

	node, _ := r.view.Node(idx)
	r.cfg.Metrics.DispatchStarted()
	r.tracer.Record(tracing.Event{Kind: tracing.EventDispatched, NodeIndex: idx})

	dispatchCtx := ctx
	var cancelTimeout context.CancelFunc
	if r.cfg.Timeout > 0 {
		dispatchCtx, cancelTimeout = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancelTimeout()
	}

	payload, err := r.execute(dispatchCtx, node)
	doneCh <- outcome{index: idx, payload: payload, err: err}
}

func (r *run) execute(ctx context.Context, node quantum.Node) (quantum.Payload, error) {
	useHarness := r.cfg.Harness != nil && r.cfg.NumProc > 1 && node.TaskDef.SupportsMultiprocess
	if useHarness {
		return r.cfg.Harness.Dispatch(ctx, node.TaskDef, node.Quantum, r.cfg.ExternalContext)
	}
	if r.cfg.Executor == nil {
		return nil, fmt.Errorf("scheduler: no in-process executor configured for task %q", node.TaskDef.Label)
	}
	if node.TaskDef.IsNoop() {
		return node.Quantum, nil
	}
	return r.cfg.Executor.Execute(ctx, node.TaskDef, node.Quantum, r.cfg.ExternalContext)
}

// handleOutcome classifies one completed dispatch, records it, cascades
// skips on failure, and returns the set of nodes newly made ready by this
// completion.
func (r *run) handleOutcome(o outcome) []int {
	r.mu.Lock()

	node, _ := r.view.Node(o.index)
	var state quantum.State
	var diag string

	switch {
	case o.err == nil:
		state = quantum.Succeeded
	case errors.Is(o.err, context.DeadlineExceeded):
		state = quantum.TimedOut
		diag = o.err.Error()
	case errors.As(o.err, new(*harness.TimeoutError)):
		state = quantum.TimedOut
		diag = o.err.Error()
	case errors.Is(o.err, context.Canceled):
		// Either externally cancelled, or fail-fast teardown won the race
		// against this node's own completion: the real outcome (which may
		// have been Succeeded) is discarded per run semantics.
		state = quantum.Skipped
		diag = "cancelled before completion"
	default:
		state = quantum.Failed
		diag = o.err.Error()
	}

	// A node whose semaphore acquire failed never reached Running, so it
	// has no DispatchStarted to balance.
	dispatched := r.state[o.index] == quantum.Running
	r.state[o.index] = state
	r.remaining--

	if dispatched {
		r.cfg.Metrics.DispatchFinished(string(state))
	} else {
		r.cfg.Metrics.RecordSkipped()
	}

	// The executor's payload is kept only on success; a payload returned
	// alongside an error is ignored.
	var payload quantum.Payload
	if state == quantum.Succeeded {
		payload = o.payload
	}

	var eventKind tracing.EventKind
	switch state {
	case quantum.Succeeded:
		eventKind = tracing.EventSucceeded
	case quantum.Failed:
		eventKind = tracing.EventFailed
	case quantum.TimedOut:
		eventKind = tracing.EventTimedOut
	case quantum.Skipped:
		eventKind = tracing.EventSkipped
	}
	r.tracer.Record(tracing.Event{Kind: eventKind, NodeIndex: o.index, Reason: diag})

	r.aggregator.Add(report.QuantumReport{
		NodeIndex: o.index,
		Label:     node.TaskDef.Label,
		State:     state,
		Diag:      diag,
		Payload:   payload,
	})

	var newlyReady []int
	if state == quantum.Succeeded {
		newlyReady = r.releaseSuccessors(o.index)
	} else {
		r.cascadeSkip(o.index)
		if r.cfg.FailFast && !r.failFastTriggered {
			r.failFastTriggered = true
			r.mu.Unlock()
			r.cancel()
			return nil
		}
	}

	r.mu.Unlock()
	return newlyReady
}

// releaseSuccessors decrements the pending-dependency count of every
// direct successor of idx and returns those that became ready. Caller
// holds r.mu.
func (r *run) releaseSuccessors(idx int) []int {
	var ready []int
	for _, succ := range r.view.Successors(idx) {
		r.remainingDeps[succ.Index]--
		if r.remainingDeps[succ.Index] == 0 && r.state[succ.Index] == quantum.Pending {
			ready = append(ready, succ.Index)
		}
	}
	sort.Ints(ready)
	return ready
}

// cascadeSkip marks every node transitively reachable from idx that is
// still Pending as Skipped. The trace/report entries for these nodes are
// deliberately deferred to finalizeSkips: a node may be reachable from
// more than one failure, and the cause recorded must be the lowest node
// index among them regardless of which failure's goroutine ran first.
// Caller holds r.mu.
func (r *run) cascadeSkip(idx int) {
	queue := []int{idx}
	visited := map[int]bool{idx: true}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		for _, succ := range r.view.Successors(cur) {
			if visited[succ.Index] {
				continue
			}
			visited[succ.Index] = true
			queue = append(queue, succ.Index)

			if prev, ok := r.skipCause[succ.Index]; !ok || idx < prev {
				r.skipCause[succ.Index] = idx
			}

			if r.state[succ.Index] == quantum.Pending {
				r.state[succ.Index] = quantum.Skipped
				r.remaining--
			}
		}
	}
}

// finalizeSkips emits the deferred trace/report entries for every skipped
// node, in ascending node-index order, once every cause is known. Caller
// holds r.mu.
func (r *run) finalizeSkips() {
	indices := make([]int, 0, len(r.skipCause))
	for idx := range r.skipCause {
		if r.state[idx] == quantum.Skipped {
			indices = append(indices, idx)
		}
	}
	sort.Ints(indices)

	for _, idx := range indices {
		cause := r.skipCause[idx]
		node, _ := r.view.Node(idx)
		r.tracer.Record(tracing.Event{Kind: tracing.EventSkipped, NodeIndex: idx, Reason: "UpstreamFailed", CauseIndex: &cause})
		r.aggregator.Add(report.QuantumReport{NodeIndex: idx, Label: node.TaskDef.Label, State: quantum.Skipped, Diag: fmt.Sprintf("upstream node %d did not succeed", cause)})
		// These nodes never reached dispatchOne, so there is no matching
		// DispatchStarted to balance: bump the terminal counter only, not
		// the in-flight gauge.
		r.cfg.Metrics.RecordSkipped()
	}
}

func (r *run) triggerTeardown(reason string) {
	r.mu.Lock()
	already := r.failFastTriggered
	r.failFastTriggered = true
	r.mu.Unlock()
	if !already {
		r.logger.Warn("scheduler: tearing down in-flight nodes", "reason", reason)
		r.cancel()
	}
}

func (r *run) finalError() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var timedOut []int
	var failed []string
	for idx, st := range r.state {
		switch st {
		case quantum.TimedOut:
			timedOut = append(timedOut, idx)
			failed = append(failed, r.mustLabel(idx))
		case quantum.Failed, quantum.Skipped:
			failed = append(failed, r.mustLabel(idx))
		}
	}

	if len(timedOut) > 0 {
		sort.Ints(timedOut)
		return &TimeoutError{NodeIndices: timedOut}
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		return &GraphExecutionError{FailedLabels: failed}
	}
	return nil
}

func (r *run) mustLabel(idx int) string {
	n, _ := r.view.Node(idx)
	return n.TaskDef.Label
}
