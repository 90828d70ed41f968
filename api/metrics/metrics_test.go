package metrics_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/malbeclabs/logquery/api/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics_RecordStatement(t *testing.T) {
	before := testutil.ToFloat64(metrics.StatementsTotal.WithLabelValues("breakdown", "error"))
	metrics.RecordStatement("breakdown", 10*time.Millisecond, errors.New("boom"))
	after := testutil.ToFloat64(metrics.StatementsTotal.WithLabelValues("breakdown", "error"))
	require.Equal(t, before+1, after)
}

func TestMetrics_RecordRequest(t *testing.T) {
	before := testutil.ToFloat64(metrics.RowsReturned.WithLabelValues("/metrics-test"))
	metrics.RecordRequest(metrics.Phases{Endpoint: "/metrics-test", RowCount: 7, Compressed: true})
	after := testutil.ToFloat64(metrics.RowsReturned.WithLabelValues("/metrics-test"))
	require.Equal(t, before+7, after)
}

func TestMetrics_Middleware(t *testing.T) {
	r := chi.NewRouter()
	r.Use(metrics.Middleware)
	r.Get("/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	counter := metrics.HTTPRequestsTotal.WithLabelValues("GET", "/items/{id}", "418")
	before := testutil.ToFloat64(counter)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/items/42", nil))

	require.Equal(t, http.StatusTeapot, rec.Code)
	require.Equal(t, before+1, testutil.ToFloat64(counter))
}
