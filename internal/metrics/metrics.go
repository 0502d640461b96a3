// Package metrics records supervised runs as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/deixis/fvpctl/internal/runner"
)

// Recorder implements runner.Observer. Each Recorder owns its registry so
// separate pipelines and tests do not share counters.
type Recorder struct {
	reg *prometheus.Registry

	runs      *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	lines     *prometheus.CounterVec
	killFails *prometheus.CounterVec
	lastExit  *prometheus.GaugeVec
}

var _ runner.Observer = (*Recorder)(nil)

// NewRecorder creates a Recorder with its own registry.
func NewRecorder() *Recorder {
	r := &Recorder{
		reg: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fvpctl",
				Subsystem: "runs",
				Name:      "total",
				Help:      "Supervised runs by step and outcome kind",
			},
			[]string{"step", "kind"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "fvpctl",
				Subsystem: "runs",
				Name:      "duration_seconds",
				Help:      "Wall-clock duration of supervised runs",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 16), // 0.1s to ~55m
			},
			[]string{"step", "kind"},
		),
		lines: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fvpctl",
				Subsystem: "output",
				Name:      "lines_total",
				Help:      "Output lines teed to the logs",
			},
			[]string{"step", "stream"},
		),
		killFails: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fvpctl",
				Subsystem: "runs",
				Name:      "kill_failures_total",
				Help:      "Termination requests that failed",
			},
			[]string{"step"},
		),
		lastExit: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "fvpctl",
				Subsystem: "runs",
				Name:      "last_exit_code",
				Help:      "Exit code of the most recent run of each step",
			},
			[]string{"step"},
		),
	}
	r.reg.MustRegister(r.runs, r.duration, r.lines, r.killFails, r.lastExit)
	return r
}

// LineTeed counts one teed output line.
func (r *Recorder) LineTeed(step string, stream runner.Stream) {
	r.lines.WithLabelValues(step, string(stream)).Inc()
}

// RunFinished records the outcome of one run.
func (r *Recorder) RunFinished(o *runner.Outcome) {
	kind := string(o.Kind)
	r.runs.WithLabelValues(o.Step, kind).Inc()
	r.duration.WithLabelValues(o.Step, kind).Observe(o.Elapsed.Seconds())
	r.lastExit.WithLabelValues(o.Step).Set(float64(o.ExitCode))
	if o.KillError != "" {
		r.killFails.WithLabelValues(o.Step).Inc()
	}
}

// Handler serves the recorded metrics in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// WriteTextfile writes the metrics atomically to path, for the
// node_exporter textfile collector. An empty path is a no-op.
func (r *Recorder) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, r.reg)
}
