package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "proxy",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "proxy",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method", "path"})

	ActiveRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "proxy",
		Name:      "active_requests",
		Help:      "Number of in-flight proxied requests.",
	})

	RangeRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "proxy",
		Name:      "range_requests_total",
		Help:      "Total video range requests handled by the range engine.",
	})

	RangeServesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "proxy",
		Name:      "range_serves_total",
		Help:      "Completed range serves by source (cache, native, slice, cdn).",
	}, []string{"source"})

	RangeBytesServedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "proxy",
		Name:      "range_bytes_served_total",
		Help:      "Bytes written to clients by the range engine.",
	})

	StateTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "proxy",
		Name:      "range_state_transitions_total",
		Help:      "Range engine state machine transitions.",
	}, []string{"from", "to"})

	SegmentCacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "proxy",
		Name:      "segment_cache_hits_total",
		Help:      "Range lookups fully satisfied from the segment cache.",
	})

	SegmentCacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "proxy",
		Name:      "segment_cache_misses_total",
		Help:      "Range lookups that required upstream bytes.",
	})

	SegmentCacheEvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "proxy",
		Name:      "segment_cache_evictions_total",
		Help:      "Segments evicted from the cache.",
	})

	SegmentCacheSizeBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "proxy",
		Name:      "segment_cache_size_bytes",
		Help:      "Current total size of cached segments in bytes.",
	})

	SegmentCacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "proxy",
		Name:      "segment_cache_entries",
		Help:      "Current number of cached segments.",
	})

	UpstreamRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "proxy",
		Name:      "upstream_requests_total",
		Help:      "Upstream requests by kind (head, origin, cdn) and status class.",
	}, []string{"kind", "status"})

	UpstreamRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "proxy",
		Name:      "upstream_retries_total",
		Help:      "Range-less retries issued after a failed origin range fetch.",
	})

	PreloadRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "proxy",
		Name:      "preload_requests_total",
		Help:      "Preload requests by outcome (cached, preloaded, error).",
	}, []string{"outcome"})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ActiveRequests,
		RangeRequestsTotal,
		RangeServesTotal,
		RangeBytesServedTotal,
		StateTransitionsTotal,
		SegmentCacheHitsTotal,
		SegmentCacheMissesTotal,
		SegmentCacheEvictionsTotal,
		SegmentCacheSizeBytes,
		SegmentCacheEntries,
		UpstreamRequestsTotal,
		UpstreamRetriesTotal,
		PreloadRequestsTotal,
	)
}
