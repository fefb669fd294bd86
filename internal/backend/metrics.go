package backend

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics tracks backend requests per operation
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	UploadsTotal    *prometheus.CounterVec
}

// NewMetrics registers the backend collectors on a fresh registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "uploader",
				Subsystem: "backend",
				Name:      "requests_total",
				Help:      "Total number of upload backend requests",
			},
			[]string{"operation", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "uploader",
				Subsystem: "backend",
				Name:      "request_duration_seconds",
				Help:      "Duration of upload backend requests",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
			},
			[]string{"operation"},
		),
		UploadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "uploader",
				Subsystem: "backend",
				Name:      "uploads_total",
				Help:      "Total number of multipart uploads by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// Handler serves the collected metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Instrument records the status and duration of requests to next under op
func (m *Metrics) Instrument(op string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.RequestsTotal.WithLabelValues(op, strconv.Itoa(status)).Inc()
		m.RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

		if status < 300 {
			switch op {
			case opComplete:
				m.UploadsTotal.WithLabelValues("completed").Inc()
			case opAbort:
				m.UploadsTotal.WithLabelValues("aborted").Inc()
			}
		}
	}
}
