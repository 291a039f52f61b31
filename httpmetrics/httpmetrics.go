// Package httpmetrics counts and times handled requests with OpenCensus.
package httpmetrics

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

var (
	keyRoute  = tag.MustNewKey("route")
	keyMethod = tag.MustNewKey("method")
	keyStatus = tag.MustNewKey("status")
)

type Wrapper struct {
	requestCount     *stats.Int64Measure
	requestCountView *view.View

	latency     *stats.Float64Measure
	latencyView *view.View

	inner http.Handler
}

func New(inner http.Handler) *Wrapper {
	r := &Wrapper{}

	r.requestCount = stats.Int64("crimson_map/requests", "", stats.UnitDimensionless)
	r.requestCountView = &view.View{
		Name:        "crimson_map/requests",
		Description: "Counter of requests that have been handled",

		TagKeys: []tag.Key{keyRoute, keyMethod, keyStatus},

		Measure:     r.requestCount,
		Aggregation: view.Count(),
	}

	r.latency = stats.Float64("crimson_map/latency", "", stats.UnitMilliseconds)
	r.latencyView = &view.View{
		Name:        "crimson_map/latency",
		Description: "Distribution of request latencies",

		TagKeys: []tag.Key{keyRoute, keyMethod},

		Measure:     r.latency,
		Aggregation: view.Distribution(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	}

	r.inner = inner

	return r
}

func (h *Wrapper) RegisterMetrics() error {
	return view.Register(h.requestCountView, h.latencyView)
}

func (h *Wrapper) UnregisterMetrics() {
	view.Unregister(h.requestCountView, h.latencyView)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *Wrapper) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

	h.inner.ServeHTTP(rec, r)

	// Tag by the mux pattern rather than the raw path to keep cardinality
	// bounded.  r.Pattern is set by ServeMux on the request it was given.
	route := r.Pattern
	if route == "" {
		route = "unmatched"
	}
	elapsed := time.Since(start)

	slog.InfoContext(r.Context(), "Served",
		slog.String("route", route),
		slog.String("path", r.URL.Path),
		slog.Int("status", rec.status),
		slog.Duration("elapsed", elapsed),
	)

	stats.RecordWithOptions(
		r.Context(),
		stats.WithTags(
			tag.Insert(keyRoute, route),
			tag.Insert(keyMethod, r.Method),
			tag.Insert(keyStatus, strconv.Itoa(rec.status)),
		),
		stats.WithMeasurements(
			h.requestCount.M(1),
			h.latency.M(float64(elapsed)/float64(time.Millisecond)),
		))
}
