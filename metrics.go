package openidclient

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector provides Prometheus metrics for the request lifecycle and
// the nonce cache. It is safe for concurrent use.
type MetricsCollector struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight *prometheus.GaugeVec

	timeoutsTotal *prometheus.CounterVec

	nonceCacheHits      prometheus.Counter
	nonceCacheMisses    prometheus.Counter
	nonceCacheStores    prometheus.Counter
	nonceCacheEvictions prometheus.Counter

	errorsTotal *prometheus.CounterVec

	registry prometheus.Registerer
}

// NewMetricsCollector creates a metrics collector on the default registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates a collector using the supplied registerer.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	mc := &MetricsCollector{
		requestsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "openidclient_requests_total",
				Help: "Total number of HTTP requests made",
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestDuration: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "openidclient_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestsInFlight: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "openidclient_requests_in_flight",
				Help: "Number of HTTP requests currently in flight",
			},
			[]string{"method", "endpoint"},
		),
		timeoutsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "openidclient_timeouts_total",
				Help: "Total number of requests lost to the timeout race",
			},
			[]string{"method", "endpoint"},
		),
		nonceCacheHits: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "openidclient_nonce_cache_hits_total",
				Help: "Total number of DPoP nonce cache hits",
			},
		),
		nonceCacheMisses: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "openidclient_nonce_cache_misses_total",
				Help: "Total number of DPoP nonce cache misses",
			},
		),
		nonceCacheStores: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "openidclient_nonce_cache_stores_total",
				Help: "Total number of DPoP nonces stored",
			},
		),
		nonceCacheEvictions: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "openidclient_nonce_cache_evictions_total",
				Help: "Total number of DPoP nonces evicted (LRU)",
			},
		),
		errorsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "openidclient_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type", "method", "endpoint"},
		),
		registry: registry,
	}

	return mc
}

// RecordRequest records request count and duration.
func (mc *MetricsCollector) RecordRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if mc == nil {
		return
	}
	status := strconv.Itoa(statusCode)
	mc.requestsTotal.WithLabelValues(method, status, endpoint).Inc()
	mc.requestDuration.WithLabelValues(method, status, endpoint).Observe(duration.Seconds())
}

// RecordRequestStart increments the in-flight gauge.
func (mc *MetricsCollector) RecordRequestStart(method, endpoint string) {
	if mc == nil {
		return
	}
	mc.requestsInFlight.WithLabelValues(method, endpoint).Inc()
}

// RecordRequestEnd decrements the in-flight gauge.
func (mc *MetricsCollector) RecordRequestEnd(method, endpoint string) {
	if mc == nil {
		return
	}
	mc.requestsInFlight.WithLabelValues(method, endpoint).Dec()
}

// RecordTimeout counts a request lost to the timeout race.
func (mc *MetricsCollector) RecordTimeout(method, endpoint string) {
	if mc == nil {
		return
	}
	mc.timeoutsTotal.WithLabelValues(method, endpoint).Inc()
}

// RecordNonceLookup counts a nonce cache hit or miss.
func (mc *MetricsCollector) RecordNonceLookup(hit bool) {
	if mc == nil {
		return
	}
	if hit {
		mc.nonceCacheHits.Inc()
	} else {
		mc.nonceCacheMisses.Inc()
	}
}

// RecordNonceStore counts a stored nonce.
func (mc *MetricsCollector) RecordNonceStore() {
	if mc == nil {
		return
	}
	mc.nonceCacheStores.Inc()
}

// RecordNonceEviction counts an LRU eviction from the nonce cache.
func (mc *MetricsCollector) RecordNonceEviction() {
	if mc == nil {
		return
	}
	mc.nonceCacheEvictions.Inc()
}

// RecordError increments the error counter by type.
func (mc *MetricsCollector) RecordError(errorType, method, endpoint string) {
	if mc == nil {
		return
	}
	mc.errorsTotal.WithLabelValues(errorType, method, endpoint).Inc()
}
