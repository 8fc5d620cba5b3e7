// Package harness runs quanta in worker subprocesses and tears them down
// on timeout or cancellation.
//
// Go has no direct equivalent of Python's multiprocessing start methods.
// The three methods are approximated as follows:
//
//   - spawn: one freshly-started process per quantum. The parent re-execs
//     its own binary (os.Executable) with a hidden worker subcommand,
//     sends exactly one request, and tears the process down afterward.
//   - fork / forkserver: a fixed-size pool of worker processes started
//     once, up front, and reused across quanta via their already-open
//     request/response pipes. This captures the "avoid repeated process
//     startup cost" intent of fork/forkserver without pretending Go can
//     fork a running process.
//
// fork and forkserver are rejected on non-POSIX platforms at
// construction time, since the pool's teardown path depends on
// process-group signal delivery.
package harness

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sys/unix"

	"qgraphexec/internal/quantum"
)

// StartMethod selects how worker processes are provisioned.
type StartMethod string

const (
	Spawn      StartMethod = "spawn"
	Fork       StartMethod = "fork"
	ForkServer StartMethod = "forkserver"
)

// WorkerSubcommand is the hidden cobra subcommand name the harness re-execs
// into. cmd/qgraphexec registers it and calls RunWorkerMain.
const WorkerSubcommand = "__qgraphexec_worker"

// Config configures a Harness.
type Config struct {
	StartMethod StartMethod

	// PoolSize is the number of warm workers kept alive for Fork and
	// ForkServer. Ignored for Spawn.
	PoolSize int

	// WorkerBinary is the executable re-exec'd to run a worker. Defaults
	// to os.Executable().
	WorkerBinary string

	Logger hclog.Logger
}

// Harness dispatches quanta to worker subprocesses.
type Harness struct {
	cfg    Config
	logger hclog.Logger

	mu     sync.Mutex
	closed bool
	idle   chan *worker // warm pool, used only for Fork/ForkServer
}

// New validates cfg and, for Fork/ForkServer, starts the warm pool.
func New(cfg Config) (*Harness, error) {
	switch cfg.StartMethod {
	case Spawn:
	case Fork, ForkServer:
		if runtime.GOOS == "windows" {
			return nil, fmt.Errorf("harness: start method %q requires POSIX process-group signaling, unsupported on %s", cfg.StartMethod, runtime.GOOS)
		}
		if cfg.PoolSize <= 0 {
			return nil, fmt.Errorf("harness: pool size must be positive for start method %q", cfg.StartMethod)
		}
	default:
		return nil, fmt.Errorf("harness: unknown start method %q", cfg.StartMethod)
	}

	if cfg.WorkerBinary == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("harness: resolving worker binary: %w", err)
		}
		cfg.WorkerBinary = exe
	}

	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	h := &Harness{cfg: cfg, logger: logger}

	if cfg.StartMethod == Fork || cfg.StartMethod == ForkServer {
		h.idle = make(chan *worker, cfg.PoolSize)
		for i := 0; i < cfg.PoolSize; i++ {
			w, err := startWorker(cfg.WorkerBinary)
			if err != nil {
				h.Close()
				return nil, fmt.Errorf("harness: starting pool worker %d: %w", i, err)
			}
			h.idle <- w
		}
	}

	return h, nil
}

// Dispatch runs one quantum to completion, failure, or timeout. The
// context's deadline, if any, bounds the dispatch; callers implementing
// per-node timeout should derive ctx from time.Now().Add(timeout) at
// dispatch time. externalContext is forwarded to the worker's Executor
// unchanged, mirroring the in-process dispatch path; it must be
// JSON-serializable.
func (h *Harness) Dispatch(ctx context.Context, taskDef quantum.TaskDef, payload quantum.Payload, externalContext any) (quantum.Payload, error) {
	switch h.cfg.StartMethod {
	case Spawn:
		return h.dispatchSpawn(ctx, taskDef, payload, externalContext)
	default:
		return h.dispatchPooled(ctx, taskDef, payload, externalContext)
	}
}

func (h *Harness) dispatchSpawn(ctx context.Context, taskDef quantum.TaskDef, payload quantum.Payload, externalContext any) (quantum.Payload, error) {
	w, err := startWorker(h.cfg.WorkerBinary)
	if err != nil {
		return nil, fmt.Errorf("harness: starting worker: %w", err)
	}
	defer w.teardown(h.logger)

	return roundTrip(ctx, w, taskDef, payload, externalContext, h.logger)
}

func (h *Harness) dispatchPooled(ctx context.Context, taskDef quantum.TaskDef, payload quantum.Payload, externalContext any) (quantum.Payload, error) {
	var w *worker
	select {
	case w = <-h.idle:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	result, err := roundTrip(ctx, w, taskDef, payload, externalContext, h.logger)
	if err != nil {
		// The worker is suspect after a failed round trip (timeout,
		// broken pipe, or a killed process group); replace it rather than
		// returning it to the pool.
		w.teardown(h.logger)
		go h.replenish()
		return result, err
	}

	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		w.teardown(h.logger)
		return result, nil
	}
	h.idle <- w
	return result, nil
}

func (h *Harness) replenish() {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return
	}
	w, err := startWorker(h.cfg.WorkerBinary)
	if err != nil {
		h.logger.Error("harness: failed to replenish pool worker", "error", err)
		return
	}
	h.idle <- w
}

// Close tears down every pool worker. Safe to call once; subsequent calls
// are no-ops.
func (h *Harness) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	idle := h.idle
	h.mu.Unlock()

	if idle == nil {
		return nil
	}
	close(idle)
	for w := range idle {
		w.teardown(h.logger)
	}
	return nil
}

// roundTrip sends one request to w and waits for its response, tearing the
// worker's process group down if ctx is done first.
func roundTrip(ctx context.Context, w *worker, taskDef quantum.TaskDef, payload quantum.Payload, externalContext any, logger hclog.Logger) (quantum.Payload, error) {
	if err := writeFrame(w.reqW, request{TaskDef: taskDef, Payload: payload, ExternalContext: externalContext}); err != nil {
		return nil, fmt.Errorf("harness: sending request to pid %d: %w", w.pid, err)
	}

	type outcome struct {
		resp response
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		var resp response
		err := readFrame(w.respR, &resp)
		done <- outcome{resp: resp, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return nil, fmt.Errorf("harness: reading response from pid %d: %w", w.pid, o.err)
		}
		switch o.resp.Kind {
		case kindOK:
			return o.resp.Payload, nil
		case kindTimeout:
			return o.resp.Payload, &TimeoutError{Diag: o.resp.Diag}
		default:
			return o.resp.Payload, fmt.Errorf("harness: worker pid %d reported error: %s", w.pid, o.resp.Diag)
		}
	case <-ctx.Done():
		killProcessGroup(w.pid, logger)
		<-done // reap the goroutine; its result is discarded
		return nil, ctx.Err()
	}
}

// TimeoutError signals a worker-reported internal timeout, distinct from
// the scheduler's own dispatch-deadline timeout.
type TimeoutError struct{ Diag string }

func (e *TimeoutError) Error() string { return fmt.Sprintf("harness: worker timeout: %s", e.Diag) }

// worker is one live worker subprocess, communicating over a dedicated
// pipe pair passed as ExtraFiles rather than stdin/stdout (which the
// worker's own task code may write to).
type worker struct {
	cmd  *exec.Cmd
	pid  int
	reqW *os.File // parent's write end of the request pipe
	respR *os.File // parent's read end of the response pipe
}

func startWorker(binary string) (*worker, error) {
	reqR, reqW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating request pipe: %w", err)
	}
	respR, respW, err := os.Pipe()
	if err != nil {
		reqR.Close()
		reqW.Close()
		return nil, fmt.Errorf("creating response pipe: %w", err)
	}

	cmd := exec.Command(binary, WorkerSubcommand)
	cmd.ExtraFiles = []*os.File{reqR, respW}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		reqR.Close()
		reqW.Close()
		respR.Close()
		respW.Close()
		return nil, fmt.Errorf("starting worker process: %w", err)
	}

	// The parent only ever uses reqW and respR; the ends handed to the
	// child must be closed here so the child holds the only reference to
	// them and the parent's descriptor count doesn't grow with every
	// dispatch.
	reqR.Close()
	respW.Close()

	return &worker{cmd: cmd, pid: cmd.Process.Pid, reqW: reqW, respR: respR}, nil
}

func (w *worker) teardown(logger hclog.Logger) {
	w.reqW.Close()
	w.respR.Close()
	killProcessGroup(w.pid, logger)
	_ = w.cmd.Wait()
}

// killProcessGroup sends SIGTERM to the worker's process group, then
// escalates to SIGKILL if it hasn't exited after a bounded grace period.
func killProcessGroup(pid int, logger hclog.Logger) {
	if pid <= 0 {
		return
	}
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil {
		logger.Debug("harness: SIGTERM to process group failed", "pid", pid, "error", err)
	}

	const grace = 2 * time.Second
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if err := unix.Kill(pid, 0); err != nil {
			return // process is gone
		}
		time.Sleep(20 * time.Millisecond)
	}

	if err := unix.Kill(-pid, unix.SIGKILL); err != nil {
		logger.Debug("harness: SIGKILL to process group failed", "pid", pid, "error", err)
	}
}
