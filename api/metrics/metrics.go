package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "logquery"

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information of the log query API.",
		},
		[]string{"version", "commit", "date"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, route and status.",
		},
		[]string{"method", "route", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	StatementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "statements_total",
			Help:      "Total SQL statements by variant and status.",
		},
		[]string{"variant", "status"},
	)
	StatementDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "statement_duration_seconds",
			Help:      "SQL statement duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"variant"},
	)

	PhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_phase_duration_seconds",
			Help:      "Time spent per request phase.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"endpoint", "phase"},
	)
	ResponseBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "response_bytes",
			Help:      "Response body size before and after compression.",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 8),
		},
		[]string{"endpoint", "encoding"},
	)
	RowsReturned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_returned_total",
			Help:      "Total log rows returned by endpoint.",
		},
		[]string{"endpoint"},
	)
)

// RecordStatement records one executed statement.
func RecordStatement(variant string, d time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	StatementsTotal.WithLabelValues(variant, status).Inc()
	StatementDuration.WithLabelValues(variant).Observe(d.Seconds())
}

// Phases is the per-phase timing of one completed request.
type Phases struct {
	Endpoint      string
	Total         time.Duration
	SQL           time.Duration
	Transform     time.Duration
	Compression   time.Duration
	RowCount      int
	ResponseBytes int
	WireBytes     int
	Compressed    bool
}

// RecordRequest records the phase timings and sizes of a completed request.
func RecordRequest(p Phases) {
	PhaseDuration.WithLabelValues(p.Endpoint, "total").Observe(p.Total.Seconds())
	PhaseDuration.WithLabelValues(p.Endpoint, "sql").Observe(p.SQL.Seconds())
	PhaseDuration.WithLabelValues(p.Endpoint, "transform").Observe(p.Transform.Seconds())
	if p.Compressed {
		PhaseDuration.WithLabelValues(p.Endpoint, "compression").Observe(p.Compression.Seconds())
		ResponseBytes.WithLabelValues(p.Endpoint, "gzip").Observe(float64(p.WireBytes))
	}
	ResponseBytes.WithLabelValues(p.Endpoint, "identity").Observe(float64(p.ResponseBytes))
	RowsReturned.WithLabelValues(p.Endpoint).Add(float64(p.RowCount))
}

// Middleware records request counts and latency labelled by chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
