package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "brixsport",
		Name:      "http_requests_total",
		Help:      "HTTP requests by method, route and status.",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "brixsport",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	trafficBlockedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "brixsport",
		Name:      "traffic_blocked_requests_total",
		Help:      "Requests rejected by the traffic guard.",
	})

	csrfFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "brixsport",
		Name:      "csrf_failures_total",
		Help:      "Requests rejected by the CSRF check.",
	})

	loginFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "brixsport",
		Name:      "login_failures_total",
		Help:      "Failed login attempts.",
	})

	activeAlerts = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "brixsport",
		Name:      "active_security_alerts",
		Help:      "Unresolved security alerts.",
	})

	auditBufferSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "brixsport",
		Name:      "audit_buffer_events",
		Help:      "Audit events awaiting flush to the durable store.",
	})
)

// metricsHandler serves the Prometheus scrape endpoint
func metricsHandler() http.Handler {
	return promhttp.Handler()
}

// statusRecorder captures the response status for instrumentation
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// metricsMiddleware records request counts and latency per route template
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}

		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
