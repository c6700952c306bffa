package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Helpers(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.CacheHit()
	m.CacheHit()
	m.CacheMiss()
	m.DepthExhausted()
	m.Invalidated("grant", 3)
	m.AuditWritten("update")
	m.AuditDeduped("lock")
	m.AuditWriteFailed("create")
	m.NoiseDeleted(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RBACCacheHitsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RBACCacheMissesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RBACDepthExhaustedTotal))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.RBACInvalidationsTotal.WithLabelValues("grant")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuditRecordsTotal.WithLabelValues("update")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuditDedupRejected.WithLabelValues("lock")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuditWriteErrorsTotal.WithLabelValues("create")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.AuditNoiseDeletedTotal))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.CacheHit()
		m.CacheError("get")
		m.AuditWritten("create")
		m.NoiseDeleted(1)
	})
}

func TestHTTPMetricsMiddleware_UsesRouteTemplate(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	router := mux.NewRouter()
	router.Use(HTTPMetricsMiddleware(m))
	router.HandleFunc("/audit/{type}/{id}/history", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/audit/task/9/history", nil))
	require.Equal(t, http.StatusTeapot, rr.Code)

	got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/audit/{type}/{id}/history", "418"))
	assert.Equal(t, 1.0, got)
}

func TestMetricsHandler(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	m.CacheMiss()

	rr := httptest.NewRecorder()
	MetricsHandler(registry).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.Contains(rr.Body.String(), "taskward_rbac_cache_misses_total 1"))
}
