// Package metrics exposes Prometheus collectors for the supervisor:
// instance counts by state, fan-out volume, RPC and catalogue-scan
// latency. Everything is registered at package init and exposed over
// /metrics on the debug HTTP endpoint (pkg/statusapi).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bend_instances_total",
			Help: "Current instances by state",
		},
		[]string{"state"},
	)

	WorkersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bend_workers_total",
			Help: "Total number of worker descriptors known to the catalogue",
		},
	)

	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bend_runs_total",
			Help: "Total run() calls by result",
		},
		[]string{"result"},
	)

	TerminationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bend_terminations_total",
			Help: "Total instance terminations by reason",
		},
		[]string{"reason"},
	)

	CatalogueScanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bend_catalogue_scan_duration_seconds",
			Help:    "Time to complete a catalogue directory scan",
			Buckets: prometheus.DefBuckets,
		},
	)

	FanoutDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bend_fanout_duration_seconds",
			Help:    "Time to fan a state change out to matching subscribers",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"monitor_type"},
	)

	DeadPeersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bend_dead_peers_total",
			Help: "Total subscriptions dropped because the peer was unreachable",
		},
		[]string{"monitor_type"},
	)

	RPCDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bend_rpc_duration_seconds",
			Help:    "RPC verb handling duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"verb"},
	)
)

func init() {
	prometheus.MustRegister(
		InstancesTotal,
		WorkersTotal,
		RunsTotal,
		TerminationsTotal,
		CatalogueScanDuration,
		FanoutDuration,
		DeadPeersTotal,
		RPCDuration,
	)
}

// Handler returns the Prometheus HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
