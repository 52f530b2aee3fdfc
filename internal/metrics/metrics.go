package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RunsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scriptstream_runs_active",
			Help: "Number of scripts currently running",
		},
	)

	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scriptstream_runs_total",
			Help: "Finished runs by outcome (finished, crashed, timeout, canceled, spawn_failed)",
		},
		[]string{"outcome"},
	)

	RunsRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scriptstream_runs_rejected_total",
			Help: "Run requests rejected because the execution control already had an active run",
		},
	)

	RunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scriptstream_run_duration_seconds",
			Help:    "Wall-clock time of a script run",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
	)

	EnvelopesWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scriptstream_envelopes_written_total",
			Help: "Envelopes written to outbound streams by envelope type",
		},
		[]string{"type"},
	)

	EnvelopesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scriptstream_envelopes_dropped_total",
			Help: "Queued envelopes discarded because the outbound stream closed",
		},
	)
)

var registerOnce sync.Once

// Register registers all collectors with the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			RunsActive,
			RunsTotal,
			RunsRejected,
			RunDuration,
			EnvelopesWritten,
			EnvelopesDropped,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}
