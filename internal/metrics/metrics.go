// Package metrics provides Prometheus metrics for the finder server.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finder_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "finder_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Volume metrics
	volumeResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finder_volume_resolutions_total",
			Help: "Volume lookups by outcome",
		},
		[]string{"result"},
	)

	pathRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finder_path_rejections_total",
			Help: "Requested paths or identifiers refused by the resolver",
		},
		[]string{"reason"},
	)

	listingEntries = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "finder_listing_entries",
			Help:    "Number of entries returned per directory listing",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
	)

	// Command metrics
	commandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "finder_command_duration_seconds",
			Help:    "Finder command duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"cmd", "status"},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finder_auth_attempts_total",
			Help: "Total authentication attempts",
		},
		[]string{"result"},
	)

	// Database metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "finder_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "finder_db_connections_open",
			Help: "Number of open database connections",
		},
	)

	// Quota metrics
	rateLimitHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "finder_rate_limit_hits_total",
			Help: "Total rate limit rejections (429s)",
		},
	)

	// WebDAV metrics
	webdavRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finder_webdav_requests_total",
			Help: "WebDAV requests by method and outcome",
		},
		[]string{"method", "result"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordVolumeResolution records a registry lookup: existing, created or error.
func RecordVolumeResolution(result string) {
	volumeResolutionsTotal.WithLabelValues(result).Inc()
}

// RecordPathRejection records a refused path or identifier.
func RecordPathRejection(reason string) {
	pathRejectionsTotal.WithLabelValues(reason).Inc()
}

// ObserveListing records the size of a directory listing.
func ObserveListing(entries int) {
	listingEntries.Observe(float64(entries))
}

// RecordCommand records a finder command and its response status.
func RecordCommand(cmd string, status int, duration time.Duration) {
	commandDuration.WithLabelValues(cmd, strconv.Itoa(status)).Observe(duration.Seconds())
}

// RecordAuthAttempt records an authentication attempt.
func RecordAuthAttempt(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	authAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordDBQuery records a database query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// SetDBConnectionsOpen sets the number of open database connections.
func SetDBConnectionsOpen(count int) {
	dbConnectionsOpen.Set(float64(count))
}

// RecordRateLimitHit records a rate limit rejection.
func RecordRateLimitHit() {
	rateLimitHitsTotal.Inc()
}

// RecordWebDAVRequest records a WebDAV request outcome.
func RecordWebDAVRequest(method string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	webdavRequestsTotal.WithLabelValues(method, result).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics. Paths
// under /webdav/ are collapsed to keep label cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, routeLabel(r.URL.Path), rw.statusCode, time.Since(start))
	})
}

func routeLabel(path string) string {
	switch {
	case path == "/api/finder", path == "/api/auth/token", path == "/health":
		return path
	case strings.HasPrefix(path, "/webdav"):
		return "/webdav"
	default:
		return "other"
	}
}
