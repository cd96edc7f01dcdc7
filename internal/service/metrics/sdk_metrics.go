package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// SDKLatency observes prediction service calls, failed ones included.
	SDKLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "intellidetect",
			Subsystem: "sdk",
			Name:      "latency_seconds",
			Help:      "Latency of prediction service endpoints",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint"},
	)

	SDKErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "intellidetect",
			Subsystem: "sdk",
			Name:      "errors_total",
			Help:      "Errors by prediction service endpoint and kind",
		},
		[]string{"endpoint", "kind"},
	)
)

func Register() {
	once.Do(func() {
		prometheus.MustRegister(SDKLatency, SDKErrors)
	})
}
