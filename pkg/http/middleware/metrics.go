package middleware

import (
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"IntelliDetect/pkg/logger"
)

type httpMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inFlight *prometheus.GaugeVec
	size     *prometheus.HistogramVec
}

var (
	httpStats     *httpMetrics
	httpStatsOnce sync.Once
)

func initHTTPMetrics(reg prometheus.Registerer) {
	httpStatsOnce.Do(func() {
		factory := promauto.With(reg)
		httpStats = &httpMetrics{
			requests: factory.NewCounterVec(
				prometheus.CounterOpts{
					Name: "intellidetect_http_requests_total",
					Help: "Total number of HTTP requests",
				},
				[]string{"route", "method", "status"},
			),
			duration: factory.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "intellidetect_http_request_duration_seconds",
					Help:    "HTTP request duration in seconds",
					Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
				},
				[]string{"route", "method", "class"},
			),
			inFlight: factory.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "intellidetect_http_in_flight_requests",
					Help: "Current number of in-flight HTTP requests",
				},
				[]string{"route", "method"},
			),
			size: factory.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "intellidetect_http_response_size_bytes",
					Help:    "HTTP response size in bytes",
					Buckets: []float64{200, 500, 1_000, 2_000, 5_000, 10_000, 50_000, 100_000, 500_000, 1_000_000},
				},
				[]string{"route", "method", "class"},
			),
		}
	})
}

// Metrics records request metrics labelled by the route template (c.Path),
// which keeps label cardinality bounded. 5xx responses are logged as errors
// and requests slower than slowThreshold as warnings.
func Metrics(l *logger.Logger, slowThreshold time.Duration) echo.MiddlewareFunc {
	initHTTPMetrics(prometheus.DefaultRegisterer)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method

			httpStats.inFlight.WithLabelValues(route, method).Inc()
			start := time.Now()

			err := next(c)
			if err != nil {
				// let echo write the error response so the status is final
				c.Error(err)
			}

			res := c.Response()
			elapsed := time.Since(start)
			status := strconv.Itoa(res.Status)
			class := statusClass(res.Status)

			httpStats.inFlight.WithLabelValues(route, method).Dec()
			httpStats.requests.WithLabelValues(route, method, status).Inc()
			httpStats.duration.WithLabelValues(route, method, class).Observe(elapsed.Seconds())
			httpStats.size.WithLabelValues(route, method, class).Observe(float64(res.Size))

			if l != nil {
				fields := []logger.Field{
					logger.String("route", route),
					logger.String("method", method),
					logger.String("status", status),
					logger.Duration("duration_ms", elapsed),
					logger.Int64("bytes", res.Size),
				}
				switch {
				case res.Status >= 500:
					l.Error("http request failed", fields...)
				case slowThreshold > 0 && elapsed >= slowThreshold:
					l.Warn("http request slow", fields...)
				}
			}
			return nil
		}
	}
}

func statusClass(code int) string {
	switch {
	case code >= 100 && code < 200:
		return "1xx"
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
