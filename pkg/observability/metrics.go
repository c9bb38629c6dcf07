package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and
// records nothing, so components can be wired without metrics in tests.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Resolution metrics
	ResolutionsTotal   *prometheus.CounterVec
	ResolutionDuration *prometheus.HistogramVec

	// Permission cache metrics
	CacheHitsTotal    prometheus.Counter
	CacheMissesTotal  prometheus.Counter
	CacheErrorsTotal  prometheus.Counter
	CachePurgedTotal  prometheus.Counter
	CacheEntriesGauge prometheus.Gauge

	// Invalidation metrics
	InvalidationsTotal      *prometheus.CounterVec
	InvalidationCascadeSize prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry: registry,
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fileharbor_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fileharbor_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		ResolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fileharbor_permission_resolutions_total",
				Help: "Total permission resolutions by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		ResolutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fileharbor_permission_resolution_duration_seconds",
				Help:    "Permission resolution duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		CacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fileharbor_permission_cache_hits_total",
			Help: "Permission cache hits",
		}),
		CacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fileharbor_permission_cache_misses_total",
			Help: "Permission cache misses",
		}),
		CacheErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fileharbor_permission_cache_errors_total",
			Help: "Permission cache backend errors (treated as misses)",
		}),
		CachePurgedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fileharbor_permission_cache_purged_total",
			Help: "Expired permission cache entries removed by the sweeper",
		}),
		CacheEntriesGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fileharbor_permission_cache_entries",
			Help: "Current number of permission cache entries",
		}),
		InvalidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fileharbor_permission_invalidations_total",
				Help: "Cache invalidations by trigger",
			},
			[]string{"trigger"},
		),
		InvalidationCascadeSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fileharbor_permission_invalidation_cascade_size",
			Help:    "Number of cache entries evicted per cascading invalidation",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ResolutionsTotal,
		m.ResolutionDuration,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheErrorsTotal,
		m.CachePurgedTotal,
		m.CacheEntriesGauge,
		m.InvalidationsTotal,
		m.InvalidationCascadeSize,
	)

	return m
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveResolution records one resolution call.
func (m *Metrics) ObserveResolution(kind, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ResolutionsTotal.WithLabelValues(kind, outcome).Inc()
	m.ResolutionDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordCacheHit increments the cache hit counter.
func (m *Metrics) RecordCacheHit() {
	if m == nil {
		return
	}
	m.CacheHitsTotal.Inc()
}

// RecordCacheMiss increments the cache miss counter.
func (m *Metrics) RecordCacheMiss() {
	if m == nil {
		return
	}
	m.CacheMissesTotal.Inc()
}

// RecordCacheError increments the cache error counter.
func (m *Metrics) RecordCacheError() {
	if m == nil {
		return
	}
	m.CacheErrorsTotal.Inc()
}

// RecordInvalidation records one invalidation and its cascade size.
func (m *Metrics) RecordInvalidation(trigger string, evicted int) {
	if m == nil {
		return
	}
	m.InvalidationsTotal.WithLabelValues(trigger).Inc()
	m.InvalidationCascadeSize.Observe(float64(evicted))
}

// RecordCachePurge records entries removed by the expiry sweeper.
func (m *Metrics) RecordCachePurge(count int) {
	if m == nil {
		return
	}
	m.CachePurgedTotal.Add(float64(count))
}

// InstrumentHandler wraps an HTTP handler with request metrics.
func (m *Metrics) InstrumentHandler(path string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		m.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(sw.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
