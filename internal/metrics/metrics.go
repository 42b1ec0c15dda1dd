package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solararchive_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"path", "method", "code"},
	)

	httpDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "solararchive_http_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)

	acquisitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solararchive_acquisitions_total",
			Help: "Acquisitions by source and outcome (cached, fused, not_found).",
		},
		[]string{"source", "outcome"},
	)

	acquisitionSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "solararchive_acquisition_duration_seconds",
			Help:    "Wall time of one acquisition.",
			Buckets: []float64{0.01, 0.1, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"outcome"},
	)

	cacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solararchive_cache_lookups_total",
			Help: "Composite cache lookups by tier and result.",
		},
		[]string{"tier", "result"},
	)

	downloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solararchive_downloads_total",
			Help: "Frame download attempts by result (ok, reused, retry, failed).",
		},
		[]string{"result"},
	)

	searchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solararchive_searches_total",
			Help: "Catalog searches by source and result (hit, empty, error).",
		},
		[]string{"source", "result"},
	)

	framesFused = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "solararchive_frames_fused",
			Help:    "Number of frames contributing to each composite.",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
		},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpDurationSeconds)
	prometheus.MustRegister(acquisitionsTotal)
	prometheus.MustRegister(acquisitionSeconds)
	prometheus.MustRegister(cacheLookupsTotal)
	prometheus.MustRegister(downloadsTotal)
	prometheus.MustRegister(searchesTotal)
	prometheus.MustRegister(framesFused)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAcquisition records the outcome and duration of one acquisition.
func ObserveAcquisition(source, outcome string, d time.Duration) {
	acquisitionsTotal.WithLabelValues(source, outcome).Inc()
	acquisitionSeconds.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObserveCacheLookup records a cache hit or miss for a tier.
func ObserveCacheLookup(tier string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookupsTotal.WithLabelValues(tier, result).Inc()
}

// ObserveDownload records one download attempt result.
func ObserveDownload(result string) {
	downloadsTotal.WithLabelValues(result).Inc()
}

// ObserveSearch records one catalog search result.
func ObserveSearch(source, result string) {
	searchesTotal.WithLabelValues(source, result).Inc()
}

// ObserveFused records how many frames went into a composite.
func ObserveFused(n int) {
	framesFused.Observe(float64(n))
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush keeps event streams working behind the middleware.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets websocket upgrades pass through the middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware records request count and duration for each request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		code := strconv.Itoa(rw.statusCode)

		route := normalizeRoute(r.URL.Path)
		httpRequestsTotal.WithLabelValues(route, r.Method, code).Inc()
		httpDurationSeconds.WithLabelValues(route, r.Method).Observe(duration)
	})
}

var knownRoutes = map[string]bool{
	"/healthz":      true,
	"/metrics":      true,
	"/generate":     true,
	"/acquisitions": true,
	"/composites":   true,
	"/stream":       true,
	"/ws":           true,
}

// normalizeRoute collapses parameterized and unknown paths into bounded labels.
func normalizeRoute(path string) string {
	if knownRoutes[path] {
		return path
	}
	switch {
	case strings.HasPrefix(path, "/composites/"):
		return "/composites/{key}"
	case strings.HasPrefix(path, "/acquisitions/"):
		return "/acquisitions/{id}"
	}
	return "other"
}
