// Package metrics records reconciler operation outcomes for Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "registry"

// Recorder holds the reconciler's collectors. A nil *Recorder records nothing.
type Recorder struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	inFlight   *prometheus.GaugeVec
	reloads    *prometheus.CounterVec
	records    prometheus.Gauge
}

// NewRecorder creates the collectors and registers them with reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Reconciler operations by kind and outcome.",
		}, []string{"kind", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Time from intent to settlement.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"kind"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "operations_in_flight",
			Help:      "Operations submitted and not yet settled.",
		}, []string{"kind"}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "list_reloads_total",
			Help:      "Full list reloads by outcome.",
		}, []string{"outcome"}),
		records: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "published_records",
			Help:      "Records in the most recently published list.",
		}),
	}
	reg.MustRegister(r.operations, r.duration, r.inFlight, r.reloads, r.records)
	return r
}

// Begin marks an operation in flight. The returned func settles it.
func (r *Recorder) Begin(kind string) func(outcome string) {
	if r == nil {
		return func(string) {}
	}
	start := time.Now()
	r.inFlight.WithLabelValues(kind).Inc()
	return func(outcome string) {
		r.inFlight.WithLabelValues(kind).Dec()
		r.operations.WithLabelValues(kind, outcome).Inc()
		r.duration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}
}

// Reload records a list reload and, on success, the published size.
func (r *Recorder) Reload(outcome string, published int) {
	if r == nil {
		return
	}
	r.reloads.WithLabelValues(outcome).Inc()
	if outcome == "ok" {
		r.records.Set(float64(published))
	}
}
