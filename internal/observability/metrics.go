package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets    = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	backendDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	engineDurationBuckets  = []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1}
	bodySizeBuckets        = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Engine metrics
	EngineOperationsTotal   *prometheus.CounterVec
	EngineOperationDuration *prometheus.HistogramVec
	CascadeAutoFillsTotal   *prometheus.CounterVec
	CascadeUnsatisfiable    *prometheus.CounterVec
	DistributionsTotal      *prometheus.CounterVec
	ClassificationsTotal    *prometheus.CounterVec
	StringChecksTotal       *prometheus.CounterVec
	EventsPublishedTotal    *prometheus.CounterVec

	// Remote catalog metrics
	BackendRequestsTotal       *prometheus.CounterVec
	BackendRequestDuration     *prometheus.HistogramVec
	BackendCircuitBreakerState *prometheus.GaugeVec
	BackendRetriesTotal        *prometheus.CounterVec
	CatalogCacheHitsTotal      *prometheus.CounterVec
	CatalogCacheMissesTotal    *prometheus.CounterVec

	// System metrics
	CatalogReloadTotal       *prometheus.CounterVec
	CatalogEntriesLoaded     prometheus.Gauge
	OpenAPIOperationsIndexed *prometheus.GaugeVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voltplan_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voltplan_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voltplan_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voltplan_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Engine
		EngineOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voltplan_engine_operations_total",
			Help: "Total number of engine operations.",
		}, []string{"operation", "status"}),
		EngineOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voltplan_engine_operation_duration_seconds",
			Help:    "Engine operation duration in seconds.",
			Buckets: engineDurationBuckets,
		}, []string{"operation"}),
		CascadeAutoFillsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voltplan_cascade_auto_fills_total",
			Help: "Total number of chain levels selected automatically.",
		}, []string{"level"}),
		CascadeUnsatisfiable: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voltplan_cascade_unsatisfiable_total",
			Help: "Total number of levels left without a compliant option.",
		}, []string{"level"}),
		DistributionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voltplan_distributions_total",
			Help: "Total number of panel distributions.",
		}, []string{"mode", "outcome"}),
		ClassificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voltplan_classifications_total",
			Help: "Total number of configuration classifications.",
		}, []string{"result"}),
		StringChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voltplan_string_checks_total",
			Help: "Total number of string electrical checks.",
		}, []string{"check", "valid"}),
		EventsPublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voltplan_events_published_total",
			Help: "Total number of published events.",
		}, []string{"type", "status"}),

		// Remote catalog
		BackendRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voltplan_backend_requests_total",
			Help: "Total number of catalog service requests.",
		}, []string{"service_id", "operation_id", "status"}),
		BackendRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voltplan_backend_request_duration_seconds",
			Help:    "Catalog service request duration in seconds.",
			Buckets: backendDurationBuckets,
		}, []string{"service_id"}),
		BackendCircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "voltplan_backend_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"service_id"}),
		BackendRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voltplan_backend_retries_total",
			Help: "Total number of catalog service retries.",
		}, []string{"service_id"}),
		CatalogCacheHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voltplan_catalog_cache_hits_total",
			Help: "Total remote catalog cache hits.",
		}, []string{"tier"}),
		CatalogCacheMissesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voltplan_catalog_cache_misses_total",
			Help: "Total remote catalog cache misses.",
		}, []string{"tier"}),

		// System
		CatalogReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voltplan_catalog_reload_total",
			Help: "Total catalog reloads.",
		}, []string{"status"}),
		CatalogEntriesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voltplan_catalog_entries_loaded",
			Help: "Number of catalog entries in the current snapshot.",
		}),
		OpenAPIOperationsIndexed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "voltplan_openapi_operations_indexed",
			Help: "Number of indexed OpenAPI operations.",
		}, []string{"service_id"}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Engine
		m.EngineOperationsTotal,
		m.EngineOperationDuration,
		m.CascadeAutoFillsTotal,
		m.CascadeUnsatisfiable,
		m.DistributionsTotal,
		m.ClassificationsTotal,
		m.StringChecksTotal,
		m.EventsPublishedTotal,
		// Remote catalog
		m.BackendRequestsTotal,
		m.BackendRequestDuration,
		m.BackendCircuitBreakerState,
		m.BackendRetriesTotal,
		m.CatalogCacheHitsTotal,
		m.CatalogCacheMissesTotal,
		// System
		m.CatalogReloadTotal,
		m.CatalogEntriesLoaded,
		m.OpenAPIOperationsIndexed,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordOperation records one engine operation. Status is "ok" or an error
// code.
func (m *Metrics) RecordOperation(operation, status string, duration time.Duration) {
	m.EngineOperationsTotal.WithLabelValues(operation, status).Inc()
	m.EngineOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordAutoFill records a level selected without user input.
func (m *Metrics) RecordAutoFill(level string) {
	m.CascadeAutoFillsTotal.WithLabelValues(level).Inc()
}

// RecordUnsatisfiable records a level emptied by the minimum-amp filter.
func (m *Metrics) RecordUnsatisfiable(level string) {
	m.CascadeUnsatisfiable.WithLabelValues(level).Inc()
}

// RecordDistribution records a distribution run. Outcome is "complete",
// "remainder" or "over".
func (m *Metrics) RecordDistribution(mode, outcome string) {
	m.DistributionsTotal.WithLabelValues(mode, outcome).Inc()
}

// RecordClassification records a classifier result: a configuration id or
// an error code.
func (m *Metrics) RecordClassification(result string) {
	m.ClassificationsTotal.WithLabelValues(result).Inc()
}

// RecordStringCheck records an electrical check.
func (m *Metrics) RecordStringCheck(check string, valid bool) {
	m.StringChecksTotal.WithLabelValues(check, strconv.FormatBool(valid)).Inc()
}

// RecordEventPublished records an event publication attempt.
func (m *Metrics) RecordEventPublished(eventType, status string) {
	m.EventsPublishedTotal.WithLabelValues(eventType, status).Inc()
}

// RecordBackendRequest records a catalog service request.
func (m *Metrics) RecordBackendRequest(serviceID, operationID string, status int, duration time.Duration) {
	m.BackendRequestsTotal.WithLabelValues(serviceID, operationID, strconv.Itoa(status)).Inc()
	m.BackendRequestDuration.WithLabelValues(serviceID).Observe(duration.Seconds())
}

// SetBackendCircuitBreakerState sets the circuit breaker state for a service.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetBackendCircuitBreakerState(serviceID string, state float64) {
	m.BackendCircuitBreakerState.WithLabelValues(serviceID).Set(state)
}

// RecordBackendRetry records a catalog service retry.
func (m *Metrics) RecordBackendRetry(serviceID string) {
	m.BackendRetriesTotal.WithLabelValues(serviceID).Inc()
}

// RecordCacheHit records a remote catalog cache hit on tier "memory" or
// "redis".
func (m *Metrics) RecordCacheHit(tier string) {
	m.CatalogCacheHitsTotal.WithLabelValues(tier).Inc()
}

// RecordCacheMiss records a remote catalog cache miss.
func (m *Metrics) RecordCacheMiss(tier string) {
	m.CatalogCacheMissesTotal.WithLabelValues(tier).Inc()
}

// RecordCatalogReload records a catalog reload attempt.
func (m *Metrics) RecordCatalogReload(status string) {
	m.CatalogReloadTotal.WithLabelValues(status).Inc()
}

// SetCatalogEntriesLoaded sets the size of the current catalog snapshot.
func (m *Metrics) SetCatalogEntriesLoaded(count float64) {
	m.CatalogEntriesLoaded.Set(count)
}

// SetOpenAPIOperationsIndexed sets the number of indexed OpenAPI operations.
func (m *Metrics) SetOpenAPIOperationsIndexed(serviceID string, count float64) {
	m.OpenAPIOperationsIndexed.WithLabelValues(serviceID).Set(count)
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}
		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start), reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves the metrics of a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.ReplaceAll(pattern, "/*/", "/")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
