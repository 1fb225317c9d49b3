package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// routeSamples returns how many requests the duration histogram holds for
// method and route.
func routeSamples(t *testing.T, method, route string) uint64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != "http_request_duration_seconds" {
			continue
		}
		for _, m := range family.GetMetric() {
			labels := make(map[string]string)
			for _, pair := range m.GetLabel() {
				labels[pair.GetName()] = pair.GetValue()
			}
			if labels["method"] == method && labels["route"] == route {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func TestMiddlewareLabelsRoutePattern(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/runs/{run_id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/v1/jobs/{job_id}/retry", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	okBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "200"))
	conflictBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, "409"))
	runsBefore := routeSamples(t, http.MethodGet, "/v1/runs/{run_id}")
	retryBefore := routeSamples(t, http.MethodPost, "/v1/jobs/{job_id}/retry")

	for _, id := range []string{"run-1", "run-2"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/"+id, nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs/job-7/retry", nil))
	require.Equal(t, http.StatusConflict, rec.Code)

	require.InDelta(t, 2, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "200"))-okBefore, 0)
	require.InDelta(t, 1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, "409"))-conflictBefore, 0)
	require.Equal(t, uint64(2), routeSamples(t, http.MethodGet, "/v1/runs/{run_id}")-runsBefore)
	require.Equal(t, uint64(1), routeSamples(t, http.MethodPost, "/v1/jobs/{job_id}/retry")-retryBefore)
	require.Zero(t, routeSamples(t, http.MethodGet, "/v1/runs/run-1"), "raw paths must not become labels")
}

func TestMiddlewareUnmatchedRouteIsUnknown(t *testing.T) {
	Init()
	before := routeSamples(t, http.MethodGet, "unknown")

	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/plain", nil))

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, uint64(1), routeSamples(t, http.MethodGet, "unknown")-before)
}
