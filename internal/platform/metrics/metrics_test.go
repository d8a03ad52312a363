package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveOperation("approve", "ok")
	m.ObserveTransition("proposed", "approved")
	m.ObserveStale("update_procedure")

	e := echo.New()
	h := m.Middleware()(func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	rec := httptest.NewRecorder()
	require.NoError(t, h(e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCounters(t *testing.T) {
	m := New()
	m.ObserveOperation("approve", "ok")
	m.ObserveOperation("approve", "ok")
	m.ObserveOperation("approve", "stale_version")
	m.ObserveTransition("proposed", "approved")
	m.ObserveStale("approve")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.operations.WithLabelValues("approve", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("approve", "stale_version")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("proposed", "approved")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.staleConflicts.WithLabelValues("approve")))
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	m := New()
	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/plans/:id", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/missing/:id", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "nope")
	})

	for _, path := range []string{"/plans/a", "/plans/b", "/missing/c"} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.httpRequests.WithLabelValues(http.MethodGet, "/plans/:id", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues(http.MethodGet, "/missing/:id", "404")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ObserveOperation("create_plan", "ok")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `txplan_operations_total{operation="create_plan",result="ok"} 1`), body)
	assert.Contains(t, body, "go_goroutines")
}
