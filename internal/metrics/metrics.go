// Package metrics exposes the scheduler's observational Prometheus
// metrics. Metrics never affect scheduling decisions.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Recorder wraps the scheduler's metric set. A nil *Recorder is safe to
// call methods on (they become no-ops), so callers that don't want metrics
// can simply leave Config.Metrics unset.
type Recorder struct {
	inFlight  prometheus.Gauge
	terminal  *prometheus.CounterVec
}

// NewRecorder builds a Recorder and registers its metrics with reg. Pass
// prometheus.NewRegistry() for an isolated registry, or
// prometheus.DefaultRegisterer to publish globally.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "qgraphexec",
			Name:      "workers_in_flight",
			Help:      "Number of quanta currently dispatched to an executor or worker process.",
		}),
		terminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qgraphexec",
			Name:      "nodes_terminal_total",
			Help:      "Count of nodes reaching each terminal state, by state.",
		}, []string{"state"}),
	}
	for _, c := range []prometheus.Collector{r.inFlight, r.terminal} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// DispatchStarted increments the in-flight gauge.
func (r *Recorder) DispatchStarted() {
	if r == nil {
		return
	}
	r.inFlight.Inc()
}

// DispatchFinished decrements the in-flight gauge and records the
// terminal state reached. Call it only for a node that previously got a
// matching DispatchStarted; a cascade-skipped node that was never
// dispatched belongs in RecordSkipped instead, since it never incremented
// the gauge.
func (r *Recorder) DispatchFinished(state string) {
	if r == nil {
		return
	}
	r.inFlight.Dec()
	r.terminal.WithLabelValues(state).Inc()
}

// RecordSkipped records a node that reached Skipped without ever being
// dispatched (e.g. a cascade skip downstream of a failure). Unlike
// DispatchFinished, it does not touch the in-flight gauge.
func (r *Recorder) RecordSkipped() {
	if r == nil {
		return
	}
	r.terminal.WithLabelValues("Skipped").Inc()
}
