// Package metrics exposes Prometheus collectors for the audit service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	scanJobsTotal       *prometheus.CounterVec
	scanAttemptsTotal   prometheus.Counter
	scanDurationSeconds prometheus.Histogram
	activeWorkers       prometheus.Gauge
	httpRequestsTotal   *prometheus.CounterVec
	httpDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scanJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "a11yscan_jobs_total",
				Help: "Total number of scan jobs settled, labeled by terminal status.",
			},
			[]string{"status"},
		)

		scanAttemptsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "a11yscan_attempts_total",
				Help: "Total number of audit attempts, including retries.",
			},
		)

		scanDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "a11yscan_audit_duration_seconds",
				Help:    "Histogram of audit pipeline latencies.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "a11yscan_active_workers",
				Help: "Number of worker slots currently executing an audit.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method"},
		)
	})
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJobSettled records one terminal job settlement.
func ObserveJobSettled(status string) {
	if scanJobsTotal != nil {
		scanJobsTotal.WithLabelValues(status).Inc()
	}
}

// ObserveAttempt records one audit attempt and its duration.
func ObserveAttempt(d time.Duration) {
	if scanAttemptsTotal != nil {
		scanAttemptsTotal.Inc()
	}
	if scanDurationSeconds != nil {
		scanDurationSeconds.Observe(d.Seconds())
	}
}

// WorkerActive adjusts the active worker gauge.
func WorkerActive(delta float64) {
	if activeWorkers != nil {
		activeWorkers.Add(delta)
	}
}

// Middleware instruments HTTP handlers with request counters and latency.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		if httpRequestsTotal != nil {
			httpRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(sw.status)).Inc()
		}
		if httpDurationSeconds != nil {
			httpDurationSeconds.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
		}
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
