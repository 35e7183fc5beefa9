package middleware

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricRateLimitRequests     = "rate_limit_requests_total"
	MetricRateLimitBlocked      = "rate_limit_blocked_total"
	MetricRateLimitRetryAfter   = "rate_limit_retry_after_seconds"
	MetricRateLimitRedisErrors  = "rate_limit_redis_errors_total"
	MetricHTTPRequestDuration   = "http_request_duration_seconds"
	MetricHTTPRequestsTotal     = "http_requests_total"
	MetricHTTPRequestSizeBytes  = "http_request_size_bytes"
	MetricHTTPResponseSizeBytes = "http_response_size_bytes"
)

// Rate-limited routes. Each has its own budget and its own metric series.
const (
	RateLimitRouteGlobal  = "global"
	RateLimitRouteCheckIn = "checkin"
	RateLimitRouteSOS     = "sos"

	// rateLimitRouteOther absorbs names outside the list above.
	rateLimitRouteOther = "other"
)

var (
	rateLimitRoutes   = []string{RateLimitRouteGlobal, RateLimitRouteCheckIn, RateLimitRouteSOS}
	rateLimitKeyTypes = []string{"user", "ip"}
)

// rateLimitRoute keeps the route label bounded.
func rateLimitRoute(name string) string {
	for _, r := range rateLimitRoutes {
		if r == name {
			return name
		}
	}
	return rateLimitRouteOther
}

// Metrics holds the Prometheus collectors for the HTTP chain and the rate
// limiters. Safe for concurrent use.
type Metrics struct {
	rateLimitRequests    *prometheus.CounterVec
	rateLimitBlocked     *prometheus.CounterVec
	rateLimitRetryAfter  *prometheus.HistogramVec
	rateLimitRedisErrors prometheus.Counter
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestSize      *prometheus.HistogramVec
	httpResponseSize     *prometheus.HistogramVec
}

// NewMetrics builds unregistered collectors. Rate-limit series for every
// known route and key type start at zero so an alert on SOS blocks has a
// series to watch before the first block happens.
func NewMetrics() *Metrics {
	sizeBuckets := prometheus.ExponentialBuckets(100, 10, 6) // 100 B to 10 MB
	httpLabels := []string{"method", "path", "status"}

	m := &Metrics{
		rateLimitRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricRateLimitRequests,
				Help: "Rate limit checks by route and key type",
			},
			[]string{"route", "key_type"},
		),
		rateLimitBlocked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricRateLimitBlocked,
				Help: "Requests rejected with 429 by route and key type",
			},
			[]string{"route", "key_type"},
		),
		rateLimitRetryAfter: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricRateLimitRetryAfter,
				Help:    "Retry-After values handed to blocked clients",
				Buckets: []float64{1, 5, 15, 30, 60, 300},
			},
			[]string{"route"},
		),
		rateLimitRedisErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricRateLimitRedisErrors,
				Help: "Redis errors during rate limiting; each one let the request through",
			},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricHTTPRequestDuration,
				Help:    "HTTP request duration in seconds; streams count their whole connection",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 30, 300},
			},
			httpLabels,
		),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricHTTPRequestsTotal,
				Help: "HTTP requests by route and status",
			},
			httpLabels,
		),
		httpRequestSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricHTTPRequestSizeBytes,
				Help:    "HTTP request size in bytes",
				Buckets: sizeBuckets,
			},
			httpLabels,
		),
		httpResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricHTTPResponseSizeBytes,
				Help:    "HTTP response size in bytes",
				Buckets: sizeBuckets,
			},
			httpLabels,
		),
	}

	for _, route := range rateLimitRoutes {
		for _, keyType := range rateLimitKeyTypes {
			m.rateLimitRequests.WithLabelValues(route, keyType)
			m.rateLimitBlocked.WithLabelValues(route, keyType)
		}
	}
	return m
}

// Register registers every collector with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncRateLimitRequests counts one limiter check. route is one of the
// RateLimitRoute constants; keyType is "user" or "ip".
func (m *Metrics) IncRateLimitRequests(route, keyType string) {
	m.rateLimitRequests.WithLabelValues(rateLimitRoute(route), keyType).Inc()
}

// ObserveRateLimitBlocked counts a 429 and the Retry-After sent with it.
func (m *Metrics) ObserveRateLimitBlocked(route, keyType string, retryAfterSeconds int) {
	route = rateLimitRoute(route)
	m.rateLimitBlocked.WithLabelValues(route, keyType).Inc()
	m.rateLimitRetryAfter.WithLabelValues(route).Observe(float64(retryAfterSeconds))
}

// IncRateLimitRedisErrors counts a fail-open event.
func (m *Metrics) IncRateLimitRedisErrors() {
	m.rateLimitRedisErrors.Inc()
}

// ObserveHTTPRequest records one finished request. path must already be
// normalized to its route pattern.
func (m *Metrics) ObserveHTTPRequest(method, path, status string, duration float64, requestSize, responseSize int64) {
	labels := prometheus.Labels{
		"method": method,
		"path":   path,
		"status": status,
	}
	m.httpRequestDuration.With(labels).Observe(duration)
	m.httpRequestsTotal.With(labels).Inc()
	m.httpRequestSize.With(labels).Observe(float64(requestSize))
	m.httpResponseSize.With(labels).Observe(float64(responseSize))
}

// Collectors returns every collector owned by m.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.rateLimitRequests,
		m.rateLimitBlocked,
		m.rateLimitRetryAfter,
		m.rateLimitRedisErrors,
		m.httpRequestDuration,
		m.httpRequestsTotal,
		m.httpRequestSize,
		m.httpResponseSize,
	}
}
