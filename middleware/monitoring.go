package middleware

import (
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"path", "method", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)
	authRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_rejections_total",
			Help: "Total number of unauthorized requests",
		},
		[]string{"reason"},
	)
	dailyCompletions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "challenge_day_completions_total",
			Help: "Daily completion submissions by outcome",
		},
		[]string{"outcome"},
	)
	reconcilerRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reconciler_runs_total",
			Help: "Total reconciler batch runs",
		},
	)
	reconcilerMissedMarked = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reconciler_missed_marked_total",
			Help: "Days marked missed by the reconciler",
		},
	)
	reconcilerRecordErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reconciler_record_errors_total",
			Help: "Per-record failures during reconciliation",
		},
	)
	reconcilerLastRun = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "reconciler_last_run_timestamp_seconds",
			Help: "Unix time the reconciler last finished",
		},
	)
)

// InitPrometheus registers the metrics. Call this from main.go
func InitPrometheus() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(authRejections)
	prometheus.MustRegister(dailyCompletions)
	prometheus.MustRegister(reconcilerRuns)
	prometheus.MustRegister(reconcilerMissedMarked)
	prometheus.MustRegister(reconcilerRecordErrors)
	prometheus.MustRegister(reconcilerLastRun)
}

// ObserveCompletion counts a completion attempt by outcome
// (completed, unmet, duplicate, stale, rejected, conflict).
func ObserveCompletion(outcome string) {
	dailyCompletions.WithLabelValues(outcome).Inc()
}

// ObserveReconcileRun records one finished reconciler batch.
func ObserveReconcileRun(missedMarked, recordErrors int) {
	reconcilerRuns.Inc()
	reconcilerMissedMarked.Add(float64(missedMarked))
	reconcilerRecordErrors.Add(float64(recordErrors))
	reconcilerLastRun.SetToCurrentTime()
}

// MonitorMiddleware wraps the router to track all request stats
func MonitorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := &responseWriter{w, http.StatusOK}

		next.ServeHTTP(ww, r)

		duration := time.Since(start).Seconds()

		httpRequestsTotal.WithLabelValues(r.URL.Path, r.Method, http.StatusText(ww.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.URL.Path, r.Method).Observe(duration)

		if ww.statusCode == http.StatusUnauthorized {
			authRejections.WithLabelValues("401_unauthorized").Inc()
		} else if ww.statusCode == http.StatusForbidden {
			authRejections.WithLabelValues("403_forbidden").Inc()
		}
	})
}

// BasicAuthMiddleware protects /metrics and the manual reconcile trigger
func BasicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()

		metricsUser := os.Getenv("METRICS_USER")
		metricsPass := os.Getenv("METRICS_PASS")

		if !ok || user != metricsUser || pass != metricsPass {
			w.Header().Set("WWW-Authenticate", `Basic realm="Metrics"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
