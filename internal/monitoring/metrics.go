package monitoring

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Upstream metrics
	UpstreamLatency  *prometheus.HistogramVec
	UpstreamRequests *prometheus.CounterVec
	UpstreamErrors   *prometheus.CounterVec

	// Token exchange metrics
	TokenExchanges *prometheus.CounterVec

	// Quota metrics
	QuotaDecisions *prometheus.CounterVec
	QuotaFallbacks prometheus.Counter

	// Authentication metrics
	AuthResults *prometheus.CounterVec

	// Rate limiting metrics
	RateLimitHits *prometheus.CounterVec

	// Cache metrics
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec
}

var (
	metrics  *Metrics
	initOnce sync.Once
)

// Init initializes all Prometheus metrics
func Init() *Metrics {
	initOnce.Do(func() {
		metrics = &Metrics{
			HTTPRequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "http_requests_total",
					Help: "Total number of HTTP requests",
				},
				[]string{"method", "path", "status"},
			),
			HTTPRequestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "http_request_duration_seconds",
					Help:    "HTTP request duration in seconds",
					Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
				},
				[]string{"method", "path"},
			),
			HTTPRequestsInFlight: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "http_requests_in_flight",
					Help: "Number of HTTP requests currently being processed",
				},
			),

			UpstreamLatency: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "upstream_latency_seconds",
					Help:    "Upstream API response latency in seconds",
					Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5, 10, 30},
				},
				[]string{"api"},
			),
			UpstreamRequests: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "upstream_requests_total",
					Help: "Total number of requests forwarded to upstream APIs",
				},
				[]string{"api", "status"},
			),
			UpstreamErrors: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "upstream_errors_total",
					Help: "Total number of upstream transport failures",
				},
				[]string{"api", "error_type"},
			),

			TokenExchanges: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "upstream_token_exchanges_total",
					Help: "Total number of client-credentials exchanges",
				},
				[]string{"outcome"},
			),

			QuotaDecisions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "quota_decisions_total",
					Help: "Quota ledger admission decisions",
				},
				[]string{"outcome"},
			),
			QuotaFallbacks: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "quota_store_fallbacks_total",
					Help: "Charges served by the durable store because the counter cache was unavailable",
				},
			),

			AuthResults: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "auth_results_total",
					Help: "Auth gate outcomes by credential method",
				},
				[]string{"method", "result"},
			),

			RateLimitHits: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "rate_limit_hits_total",
					Help: "Total number of rate limit hits",
				},
				[]string{"scope"},
			),

			CacheHits: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "cache_hits_total",
					Help: "Total number of cache hits",
				},
				[]string{"cache_type"},
			),
			CacheMisses: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "cache_misses_total",
					Help: "Total number of cache misses",
				},
				[]string{"cache_type"},
			),

			CircuitBreakerState: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "circuit_breaker_state",
					Help: "Circuit breaker state (0=closed, 1=open, 0.5=half-open)",
				},
				[]string{"api"},
			),
		}
	})
	return metrics
}

// Get returns the global metrics instance
func Get() *Metrics {
	return Init()
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// GinHandler returns a Gin-compatible handler for Prometheus metrics
func GinHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// MetricsMiddleware is a Gin middleware for collecting HTTP metrics
func MetricsMiddleware() gin.HandlerFunc {
	m := Get()
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method

		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		duration := time.Since(start).Seconds()

		m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// RecordUpstreamLatency records upstream latency
func RecordUpstreamLatency(api string, duration time.Duration) {
	Get().UpstreamLatency.WithLabelValues(api).Observe(duration.Seconds())
}

// RecordUpstreamRequest records a relayed upstream response
func RecordUpstreamRequest(api string, status int) {
	Get().UpstreamRequests.WithLabelValues(api, strconv.Itoa(status)).Inc()
}

// RecordUpstreamError records an upstream transport failure
func RecordUpstreamError(api, errorType string) {
	Get().UpstreamErrors.WithLabelValues(api, errorType).Inc()
}

// RecordTokenExchange records a token exchange outcome (success or failure)
func RecordTokenExchange(outcome string) {
	Get().TokenExchanges.WithLabelValues(outcome).Inc()
}

// RecordQuotaDecision records an admission decision (allowed or denied)
func RecordQuotaDecision(outcome string) {
	Get().QuotaDecisions.WithLabelValues(outcome).Inc()
}

// RecordQuotaFallback records a charge served by the durable store
func RecordQuotaFallback() {
	Get().QuotaFallbacks.Inc()
}

// RecordAuthResult records an auth gate outcome
func RecordAuthResult(method, result string) {
	Get().AuthResults.WithLabelValues(method, result).Inc()
}

// RecordRateLimitHit records a rate limit hit
func RecordRateLimitHit(scope string) {
	Get().RateLimitHits.WithLabelValues(scope).Inc()
}

// RecordCacheHit records a cache hit
func RecordCacheHit(cacheType string) {
	Get().CacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss records a cache miss
func RecordCacheMiss(cacheType string) {
	Get().CacheMisses.WithLabelValues(cacheType).Inc()
}

// SetCircuitBreakerState sets the circuit breaker state
// state: 0=closed, 1=open, 0.5=half-open
func SetCircuitBreakerState(api string, state float64) {
	Get().CircuitBreakerState.WithLabelValues(api).Set(state)
}
