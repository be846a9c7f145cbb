// Package metrics exposes Prometheus instruments for the sourcing engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sourcing",
			Name:      "jobs_total",
			Help:      "Sourcing jobs finished, by terminal status.",
		},
		[]string{"status"},
	)
	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sourcing",
			Name:      "job_duration_seconds",
			Help:      "Wall-clock duration of sourcing jobs.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 45, 60, 90},
		},
		[]string{"status"},
	)
	jobsDeduplicated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sourcing",
			Name:      "jobs_deduplicated_total",
			Help:      "Create requests answered with an existing job.",
		},
	)

	adapterCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sourcing",
			Subsystem: "adapter",
			Name:      "calls_total",
			Help:      "Marketplace adapter calls, by outcome.",
		},
		[]string{"platform", "result"},
	)
	adapterDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sourcing",
			Subsystem: "adapter",
			Name:      "duration_seconds",
			Help:      "Marketplace adapter call latency.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 15, 30},
		},
		[]string{"platform"},
	)
	adapterDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sourcing",
			Subsystem: "adapter",
			Name:      "offers_dropped_total",
			Help:      "Offers discarded for failing mapping or validation.",
		},
		[]string{"platform"},
	)

	matcherFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sourcing",
			Subsystem: "matcher",
			Name:      "fallbacks_total",
			Help:      "Times the heuristic scorer replaced the primary scorer.",
		},
		[]string{"reason"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sourcing",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests processed.",
		},
		[]string{"method", "route", "code"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sourcing",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

func init() {
	prometheus.MustRegister(
		jobsTotal, jobDuration, jobsDeduplicated,
		adapterCalls, adapterDuration, adapterDropped,
		matcherFallbacks,
		httpRequests, httpDuration,
	)
}

// RecordJob records a finished job.
func RecordJob(status string, d time.Duration) {
	jobsTotal.WithLabelValues(status).Inc()
	jobDuration.WithLabelValues(status).Observe(d.Seconds())
}

// RecordDeduplicated counts a create request that reused an existing job.
func RecordDeduplicated() {
	jobsDeduplicated.Inc()
}

// RecordAdapterCall records one adapter search. result is "ok", "skipped"
// or an error kind.
func RecordAdapterCall(platform, result string, d time.Duration, dropped int) {
	adapterCalls.WithLabelValues(platform, result).Inc()
	if result != "skipped" {
		adapterDuration.WithLabelValues(platform).Observe(d.Seconds())
	}
	if dropped > 0 {
		adapterDropped.WithLabelValues(platform).Add(float64(dropped))
	}
}

// RecordMatcherFallback counts a heuristic fallback.
func RecordMatcherFallback(reason string) {
	matcherFallbacks.WithLabelValues(reason).Inc()
}

// Middleware records request count and latency, labelled by chi route
// pattern to keep cardinality low.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.code)).Inc()
		httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}
