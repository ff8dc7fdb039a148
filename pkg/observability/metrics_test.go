package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegisters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	require.NotNil(t, m)

	m.AuthzDecisionsTotal.WithLabelValues("experiment", "allowed", "user").Inc()
	m.FilterDroppedTotal.WithLabelValues("/api/2.0/mlflow/experiments/search").Add(4)

	assert.Equal(t, float64(1), testutil.ToFloat64(
		m.AuthzDecisionsTotal.WithLabelValues("experiment", "allowed", "user")))
	assert.Equal(t, float64(4), testutil.ToFloat64(
		m.FilterDroppedTotal.WithLabelValues("/api/2.0/mlflow/experiments/search")))
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	handler := HTTPMetricsMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/2.0/mlflow/experiments/get", nil))

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, float64(1), testutil.ToFloat64(
		m.HTTPRequestsTotal.WithLabelValues("GET", "/api/2.0/mlflow/experiments/get", "403")))
}

func TestRegisterMetricsEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	NewMetrics(registry)

	mux := http.NewServeMux()
	RegisterMetricsEndpoint(mux, registry)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
