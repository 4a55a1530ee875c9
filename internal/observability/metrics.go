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
	httpDurationBuckets     = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	deliveryDurationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	bodySizeBuckets         = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the procurement service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Procurement metrics
	RequestTransitionsTotal *prometheus.CounterVec
	ApprovalDecisionsTotal  *prometheus.CounterVec
	ApprovalRollUpsTotal    *prometheus.CounterVec
	RollUpConflictsTotal    prometheus.Counter

	// Resource metrics
	ResourceOperationsTotal *prometheus.CounterVec
	ValidationFailures      *prometheus.CounterVec
	AuditWriteFailures      *prometheus.CounterVec

	// Notification metrics
	WebhookDeliveriesTotal *prometheus.CounterVec
	WebhookDuration        prometheus.Histogram
	CircuitBreakerState    *prometheus.GaugeVec
	EventsPublishedTotal   *prometheus.CounterVec

	// Cache metrics
	MembershipCacheHitsTotal   prometheus.Counter
	MembershipCacheMissesTotal prometheus.Counter
	IdempotencyReplaysTotal    prometheus.Counter

	// System metrics
	DefinitionsLoaded prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procura_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "procura_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "procura_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "procura_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Procurement
		RequestTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procura_request_transitions_total",
			Help: "Procurement request status transitions.",
		}, []string{"from", "to", "result"}),
		ApprovalDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procura_approval_decisions_total",
			Help: "Approval step decisions by action.",
		}, []string{"action", "result"}),
		ApprovalRollUpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procura_approval_rollups_total",
			Help: "Request outcomes derived from completed approval rounds.",
		}, []string{"outcome"}),
		RollUpConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procura_approval_rollup_conflicts_total",
			Help: "Roll-up updates retried after a concurrent request change.",
		}),

		// Resources
		ResourceOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procura_resource_operations_total",
			Help: "CRUD operations on definition-driven resources.",
		}, []string{"resource", "operation", "result"}),
		ValidationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procura_validation_failures_total",
			Help: "Request bodies rejected by field validation.",
		}, []string{"resource"}),
		AuditWriteFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procura_audit_write_failures_total",
			Help: "Audit or activity rows that could not be written.",
		}, []string{"kind"}),

		// Notifications
		WebhookDeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procura_webhook_deliveries_total",
			Help: "Webhook delivery attempts by outcome.",
		}, []string{"status"}),
		WebhookDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "procura_webhook_delivery_duration_seconds",
			Help:    "Webhook delivery duration in seconds.",
			Buckets: deliveryDurationBuckets,
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "procura_webhook_circuit_breaker_state",
			Help: "Circuit breaker state per endpoint (0=closed, 1=half-open, 2=open).",
		}, []string{"endpoint_id"}),
		EventsPublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procura_events_published_total",
			Help: "Domain events handed to publishers.",
		}, []string{"type", "result"}),

		// Cache
		MembershipCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procura_membership_cache_hits_total",
			Help: "Total membership cache hits.",
		}),
		MembershipCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procura_membership_cache_misses_total",
			Help: "Total membership cache misses.",
		}),
		IdempotencyReplaysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procura_idempotency_replays_total",
			Help: "Responses served from the idempotency store.",
		}),

		// System
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "procura_definitions_loaded",
			Help: "Number of loaded resource definitions.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		m.RequestTransitionsTotal,
		m.ApprovalDecisionsTotal,
		m.ApprovalRollUpsTotal,
		m.RollUpConflictsTotal,
		m.ResourceOperationsTotal,
		m.ValidationFailures,
		m.AuditWriteFailures,
		m.WebhookDeliveriesTotal,
		m.WebhookDuration,
		m.CircuitBreakerState,
		m.EventsPublishedTotal,
		m.MembershipCacheHitsTotal,
		m.MembershipCacheMissesTotal,
		m.IdempotencyReplaysTotal,
		m.DefinitionsLoaded,
	)

	return m
}

// --- Recording helpers ---
//
// All helpers are safe to call on a nil *Metrics so that components built
// without metrics (tests, tools) need no guards.

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordTransition records an attempted request status move.
func (m *Metrics) RecordTransition(from, to, result string) {
	if m == nil {
		return
	}
	m.RequestTransitionsTotal.WithLabelValues(from, to, result).Inc()
}

// RecordDecision records an approval decision.
func (m *Metrics) RecordDecision(action, result string) {
	if m == nil {
		return
	}
	m.ApprovalDecisionsTotal.WithLabelValues(action, result).Inc()
}

// RecordRollUp records a request outcome derived from its steps.
func (m *Metrics) RecordRollUp(outcome string) {
	if m == nil {
		return
	}
	m.ApprovalRollUpsTotal.WithLabelValues(outcome).Inc()
}

// RecordRollUpConflict records a retried roll-up.
func (m *Metrics) RecordRollUpConflict() {
	if m == nil {
		return
	}
	m.RollUpConflictsTotal.Inc()
}

// RecordResourceOperation records a generic CRUD operation.
func (m *Metrics) RecordResourceOperation(resource, operation, result string) {
	if m == nil {
		return
	}
	m.ResourceOperationsTotal.WithLabelValues(resource, operation, result).Inc()
}

// RecordValidationFailure records a rejected request body.
func (m *Metrics) RecordValidationFailure(resource string) {
	if m == nil {
		return
	}
	m.ValidationFailures.WithLabelValues(resource).Inc()
}

// RecordAuditFailure records an audit or activity write that failed.
func (m *Metrics) RecordAuditFailure(kind string) {
	if m == nil {
		return
	}
	m.AuditWriteFailures.WithLabelValues(kind).Inc()
}

// RecordWebhookDelivery records one webhook delivery attempt.
func (m *Metrics) RecordWebhookDelivery(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.WebhookDeliveriesTotal.WithLabelValues(status).Inc()
	m.WebhookDuration.Observe(duration.Seconds())
}

// SetCircuitBreakerState sets the circuit breaker state for an endpoint.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetCircuitBreakerState(endpointID string, state float64) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(endpointID).Set(state)
}

// RecordEventPublished records an event handed to a publisher.
func (m *Metrics) RecordEventPublished(eventType, result string) {
	if m == nil {
		return
	}
	m.EventsPublishedTotal.WithLabelValues(eventType, result).Inc()
}

// RecordMembershipCacheHit records a membership cache hit.
func (m *Metrics) RecordMembershipCacheHit() {
	if m == nil {
		return
	}
	m.MembershipCacheHitsTotal.Inc()
}

// RecordMembershipCacheMiss records a membership cache miss.
func (m *Metrics) RecordMembershipCacheMiss() {
	if m == nil {
		return
	}
	m.MembershipCacheMissesTotal.Inc()
}

// RecordIdempotencyReplay records a replayed response.
func (m *Metrics) RecordIdempotencyReplay() {
	if m == nil {
		return
	}
	m.IdempotencyReplaysTotal.Inc()
}

// SetDefinitionsLoaded sets the number of loaded definitions.
func (m *Metrics) SetDefinitionsLoaded(count float64) {
	if m == nil {
		return
	}
	m.DefinitionsLoaded.Set(count)
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// statusWriter captures the status code and body size written by a handler.
type statusWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
