package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the service collectors.
	Registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "genjobs",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "genjobs",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
		[]string{"method", "route"},
	)

	usageDebits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "genjobs",
			Subsystem: "usage",
			Name:      "debits_total",
			Help:      "Usage debit attempts by category and result.",
		},
		[]string{"category", "result"},
	)

	usageCredits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "genjobs",
			Subsystem: "usage",
			Name:      "credits_total",
			Help:      "Credit-back requests by outcome.",
		},
		[]string{"outcome"},
	)

	reconciliations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "genjobs",
			Subsystem: "jobs",
			Name:      "reconciliations_total",
			Help:      "Job record updates by source (webhook, status, worker) and result.",
		},
		[]string{"source", "result"},
	)

	reconcileEnqueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "genjobs",
			Subsystem: "jobs",
			Name:      "reconcile_enqueued_total",
			Help:      "Job ids pushed onto the reconcile queue.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpRequests,
		httpDuration,
		usageDebits,
		usageCredits,
		reconciliations,
		reconcileEnqueued,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// InstrumentHandler records request counts and latency labelled by chi route pattern.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, route, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	})
}

func RecordDebit(category string, allowed bool) {
	result := "denied"
	if allowed {
		result = "allowed"
	}
	usageDebits.WithLabelValues(category, result).Inc()
}

func RecordCredit(outcome string) {
	usageCredits.WithLabelValues(outcome).Inc()
}

// RecordReconcile counts a job record update attempt. result is changed, unchanged or error.
func RecordReconcile(source, result string) {
	reconciliations.WithLabelValues(source, result).Inc()
}

func RecordEnqueued() {
	reconcileEnqueued.Inc()
}
