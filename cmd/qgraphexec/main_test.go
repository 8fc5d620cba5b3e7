package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"qgraphexec/internal/executor"
)

// withExecutor overrides newExecutor for the duration of a test, restoring
// the default Mock afterward.
func withExecutor(t *testing.T, e executor.Executor) {
	t.Helper()
	orig := newExecutor
	newExecutor = func() executor.Executor { return e }
	t.Cleanup(func() { newExecutor = orig })
}

func writeGraphFixture(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "graph.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	return path
}

func TestRun_MissingGraphFlag(t *testing.T) {
	if code := run(nil); code != exitInvalidFlags {
		t.Fatalf("expected exit code %d, got %d", exitInvalidFlags, code)
	}
}

func TestRun_EmptyTaskListGraphFile(t *testing.T) {
	path := writeGraphFixture(t, `{"tasks": []}`)

	code := run([]string{"--graph", path})
	if code != exitConfigError {
		t.Fatalf("expected exit code %d, got %d", exitConfigError, code)
	}
}

func TestRun_SucceedsOnAcyclicGraph(t *testing.T) {
	path := writeGraphFixture(t, `{
		"tasks": [
			{"index": 0, "label": "isr"},
			{"index": 1, "label": "calibrate", "dependencies": [0]}
		]
	}`)

	code := run([]string{"--graph", path})
	if code != exitSuccess {
		t.Fatalf("expected exit code %d, got %d", exitSuccess, code)
	}
}

func TestRun_ReportsGraphFailureExitCode(t *testing.T) {
	withExecutor(t, executor.Failing{})

	path := writeGraphFixture(t, `{
		"tasks": [
			{"index": 0, "label": "isr", "class": "mock"},
			{"index": 1, "label": "calibrate", "class": "mock", "dependencies": [0]}
		]
	}`)

	code := run([]string{"--graph", path})
	if code != exitGraphFailure {
		t.Fatalf("expected exit code %d, got %d", exitGraphFailure, code)
	}
}

func TestRun_ReportsTimeoutExitCode(t *testing.T) {
	withExecutor(t, executor.Sleeping{Duration: 200 * time.Millisecond})

	path := writeGraphFixture(t, `{"tasks": [{"index": 0, "label": "isr", "class": "mock"}]}`)

	code := run([]string{"--graph", path, "--timeout", "1ms"})
	if code != exitTimeout {
		t.Fatalf("expected exit code %d, got %d", exitTimeout, code)
	}
}

func TestRun_WriteTraceOut(t *testing.T) {
	graphPath := writeGraphFixture(t, `{"tasks": [{"index": 0, "label": "isr"}]}`)
	tracePath := filepath.Join(t.TempDir(), "trace.json")

	code := run([]string{"--graph", graphPath, "--trace-out", tracePath})
	if code != exitSuccess {
		t.Fatalf("expected exit code %d, got %d", exitSuccess, code)
	}
	if _, err := os.Stat(tracePath); err != nil {
		t.Fatalf("expected trace-out file to be written: %v", err)
	}
}
