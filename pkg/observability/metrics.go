package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Permission resolution metrics
	RBACCacheHitsTotal      prometheus.Counter
	RBACCacheMissesTotal    prometheus.Counter
	RBACCacheErrorsTotal    *prometheus.CounterVec
	RBACDepthExhaustedTotal prometheus.Counter
	RBACInvalidationsTotal  *prometheus.CounterVec
	RBACResolveDuration     prometheus.Histogram

	// Audit metrics
	AuditRecordsTotal      *prometheus.CounterVec
	AuditDedupRejected     *prometheus.CounterVec
	AuditWriteErrorsTotal  *prometheus.CounterVec
	AuditNoiseDeletedTotal prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskward_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskward_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		RBACCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskward_rbac_cache_hits_total",
			Help: "Permission set lookups served from cache",
		}),
		RBACCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskward_rbac_cache_misses_total",
			Help: "Permission set lookups resolved from the store",
		}),
		RBACCacheErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskward_rbac_cache_errors_total",
				Help: "Permission cache and dedup lock operations that failed",
			},
			[]string{"operation"},
		),
		RBACDepthExhaustedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskward_rbac_depth_exhausted_total",
			Help: "Role inheritance walks truncated at the maximum depth",
		}),
		RBACInvalidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskward_rbac_invalidations_total",
				Help: "Permission cache entries invalidated",
			},
			[]string{"reason"},
		),
		RBACResolveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "taskward_rbac_resolve_duration_seconds",
			Help:    "Time spent resolving a permission set on cache miss",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),

		AuditRecordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskward_audit_records_total",
				Help: "Audit records written",
			},
			[]string{"action"},
		),
		AuditDedupRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskward_audit_dedup_rejected_total",
				Help: "Audit writes suppressed as duplicate deliveries",
			},
			[]string{"reason"},
		),
		AuditWriteErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskward_audit_write_errors_total",
				Help: "Audit records that could not be written",
			},
			[]string{"action"},
		),
		AuditNoiseDeletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskward_audit_noise_deleted_total",
			Help: "Update records without a diff removed by the janitor",
		}),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.RBACCacheHitsTotal,
		m.RBACCacheMissesTotal,
		m.RBACCacheErrorsTotal,
		m.RBACDepthExhaustedTotal,
		m.RBACInvalidationsTotal,
		m.RBACResolveDuration,
		m.AuditRecordsTotal,
		m.AuditDedupRejected,
		m.AuditWriteErrorsTotal,
		m.AuditNoiseDeletedTotal,
	)

	return m
}

// The helpers below are nil-safe so components can run without metrics.

func (m *Metrics) CacheHit() {
	if m != nil {
		m.RBACCacheHitsTotal.Inc()
	}
}

func (m *Metrics) CacheMiss() {
	if m != nil {
		m.RBACCacheMissesTotal.Inc()
	}
}

func (m *Metrics) CacheError(operation string) {
	if m != nil {
		m.RBACCacheErrorsTotal.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) DepthExhausted() {
	if m != nil {
		m.RBACDepthExhaustedTotal.Inc()
	}
}

func (m *Metrics) Invalidated(reason string, n int) {
	if m != nil {
		m.RBACInvalidationsTotal.WithLabelValues(reason).Add(float64(n))
	}
}

func (m *Metrics) ObserveResolve(d time.Duration) {
	if m != nil {
		m.RBACResolveDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) AuditWritten(action string) {
	if m != nil {
		m.AuditRecordsTotal.WithLabelValues(action).Inc()
	}
}

func (m *Metrics) AuditDeduped(reason string) {
	if m != nil {
		m.AuditDedupRejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) AuditWriteFailed(action string) {
	if m != nil {
		m.AuditWriteErrorsTotal.WithLabelValues(action).Inc()
	}
}

func (m *Metrics) NoiseDeleted(n int64) {
	if m != nil {
		m.AuditNoiseDeletedTotal.Add(float64(n))
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// Paths are labelled with the mux route template to keep cardinality bounded.
func HTTPMetricsMiddleware(metrics *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			path := r.URL.Path
			if route := mux.CurrentRoute(r); route != nil {
				if tmpl, err := route.GetPathTemplate(); err == nil {
					path = tmpl
				}
			}
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
