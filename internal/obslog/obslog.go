// Package obslog wraps the scheduler's logging so it is always passed
// explicitly, never read from a package-level singleton, and always has a
// safe default.
package obslog

import (
	"os"

	"github.com/hashicorp/go-hclog"
)

// Options configures a Logger built by New.
type Options struct {
	// Name prefixes every log line, e.g. "qgraphexec" or "qgraphexec-worker".
	Name string

	// Level is one of hclog's level names ("trace", "debug", "info",
	// "warn", "error"). Empty defaults to "info".
	Level string

	// JSON switches to structured JSON output, the format a worker
	// subprocess's stderr should use so a parent harness can parse it
	// rather than scrape free text.
	JSON bool
}

// New builds an hclog.Logger writing to stderr per opts. Passing the zero
// Options yields an "info"-level, human-readable logger named "qgraphexec".
func New(opts Options) hclog.Logger {
	name := opts.Name
	if name == "" {
		name = "qgraphexec"
	}
	level := hclog.Info
	if opts.Level != "" {
		level = hclog.LevelFromString(opts.Level)
		if level == hclog.NoLevel {
			level = hclog.Info
		}
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      level,
		Output:     os.Stderr,
		JSONFormat: opts.JSON,
	})
}

// Discard returns a logger that drops everything, for callers (tests,
// library embedders) that don't want scheduler log output.
func Discard() hclog.Logger {
	return hclog.NewNullLogger()
}
