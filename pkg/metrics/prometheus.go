package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	outcomes     *prometheus.CounterVec
	errorsTotal  *prometheus.CounterVec
	anomalyScore *prometheus.GaugeVec
	latency      *prometheus.HistogramVec
}

// New creates a recorder registered on the default registry.
func New() *Recorder {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a recorder registered on reg. Tests pass a fresh
// prometheus.NewRegistry() to avoid duplicate registration.
func NewWithRegistry(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		outcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "intellidetect_outcomes_total",
				Help: "Detection outcomes by strategy and kind",
			},
			[]string{"strategy", "outcome"},
		),
		errorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "intellidetect_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type"},
		),
		anomalyScore: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "intellidetect_last_anomaly_score",
				Help: "Last anomaly score reported for an item",
			},
			[]string{"item"},
		),
		latency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "intellidetect_operation_duration_seconds",
				Help:    "Duration of operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}
}

// RecordOutcome counts one detection outcome.
func (r *Recorder) RecordOutcome(strategy, outcome string) {
	r.outcomes.WithLabelValues(strategy, outcome).Inc()
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordAnomalyScore records the last anomaly score of an item.
func (r *Recorder) RecordAnomalyScore(item string, score float64) {
	r.anomalyScore.WithLabelValues(item).Set(score)
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}
