// Package metrics exposes run outcomes as Prometheus metrics.
//
// A Recorder owns its own registry, so several engines (or tests) never
// collide on the global default registry. Metrics are served over HTTP by
// the serve command or written to a node_exporter textfile after a
// one-shot run.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "martsync"

// Recorder holds the run metrics.
type Recorder struct {
	RunsTotal        *prometheus.CounterVec
	RunDuration      prometheus.Histogram
	RowsTotal        *prometheus.CounterVec
	SkippedRowsTotal *prometheus.CounterVec
	StaleHorizons    *prometheus.CounterVec
	Violations       *prometheus.GaugeVec
	LastRunTimestamp prometheus.Gauge
	WritebackRows    *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates a Recorder with every collector registered.
func New() *Recorder {
	r := &Recorder{registry: prometheus.NewRegistry()}

	r.RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Reconciliation runs by final status",
		},
		[]string{"status"}, // "passed", "failed"
	)

	r.RunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of a reconciliation run",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		},
	)

	r.RowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_total",
			Help:      "Rows applied per table and outcome",
		},
		[]string{"table", "op"}, // op: inserted, updated, unchanged, deleted, scd_opened, scd_closed, forecast_inserted, forecast_retired
	)

	r.SkippedRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_rows_total",
			Help:      "Malformed input rows skipped per table",
		},
		[]string{"table"},
	)

	r.StaleHorizons = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_horizons_total",
			Help:      "Forecast horizons skipped because a newer vintage is stored",
		},
		[]string{"table"},
	)

	r.Violations = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rule_violations",
			Help:      "Violating rows found by each rule in the latest run",
		},
		[]string{"rule", "severity"},
	)

	r.LastRunTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Effective time of the latest run",
		},
	)

	r.WritebackRows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writeback_rows_total",
			Help:      "Rows updated by predictive writeback",
		},
		[]string{"table"},
	)

	r.registry.MustRegister(
		r.RunsTotal,
		r.RunDuration,
		r.RowsTotal,
		r.SkippedRowsTotal,
		r.StaleHorizons,
		r.Violations,
		r.LastRunTimestamp,
		r.WritebackRows,
	)
	return r
}

// TableCounts is the per-table outcome of a run.
type TableCounts struct {
	Table   string
	Skipped int
	Stale   int
	Ops     map[string]int
}

// RuleCount is the violation count of one rule.
type RuleCount struct {
	Rule     string
	Severity string
	Count    int64
}

// ObserveRun records one finished run. Violation gauges are reset first
// so rules that recovered drop back out of the series.
func (r *Recorder) ObserveRun(status string, effectiveAt time.Time, elapsed time.Duration, tables []TableCounts, rules []RuleCount) {
	r.RunsTotal.WithLabelValues(status).Inc()
	r.RunDuration.Observe(elapsed.Seconds())
	r.LastRunTimestamp.Set(float64(effectiveAt.Unix()))

	for _, t := range tables {
		for op, n := range t.Ops {
			if n > 0 {
				r.RowsTotal.WithLabelValues(t.Table, op).Add(float64(n))
			}
		}
		if t.Skipped > 0 {
			r.SkippedRowsTotal.WithLabelValues(t.Table).Add(float64(t.Skipped))
		}
		if t.Stale > 0 {
			r.StaleHorizons.WithLabelValues(t.Table).Add(float64(t.Stale))
		}
	}

	r.Violations.Reset()
	for _, rc := range rules {
		r.Violations.WithLabelValues(rc.Rule, rc.Severity).Set(float64(rc.Count))
	}
}

// ObserveWriteback records rows updated by a writeback request.
func (r *Recorder) ObserveWriteback(table string, matched int) {
	r.WritebackRows.WithLabelValues(table).Add(float64(matched))
}

// Registry returns the registry holding the collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// WriteTextfile writes the current metrics to path for the node_exporter
// textfile collector. The file is replaced atomically.
func (r *Recorder) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.registry)
}
