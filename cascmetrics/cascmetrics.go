// Package cascmetrics exposes the Prometheus metrics the fetch and
// resolver layers update: cache hit/miss counts, fetch latency, and
// the on-disk cache's occupied bytes.
package cascmetrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	prometheus.MustRegister(CacheRequestsTotal)
	prometheus.MustRegister(FetchDuration)
	prometheus.MustRegister(DiskCacheBytes)
	prometheus.MustRegister(ArchivesLoaded)
}

// CacheRequestsTotal counts Fetcher.Get disk-cache lookups by source
// and outcome ("hit" or "miss"). Fetcher.Get records every lookup with
// source "disk".
var CacheRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "casc_cache_requests_total",
		Help: "CDN cache lookups by source and outcome",
	},
	[]string{"source", "outcome"},
)

// FetchDuration tracks how long a network fetch took, by CDN kind
// (config/data/patch/indexes).
var FetchDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "casc_fetch_duration_seconds",
		Help:    "CDN fetch latency by kind",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"kind"},
)

// DiskCacheBytes reports the on-disk cache's current occupied size in
// bytes, per product.
var DiskCacheBytes = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "casc_disk_cache_bytes",
		Help: "Bytes currently occupied by the on-disk CDN cache",
	},
	[]string{"product"},
)

// ArchivesLoaded counts how many CDN archive indexes a resolver
// successfully parsed versus skipped due to a parse error, per
// product.
var ArchivesLoaded = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "casc_archives_loaded_total",
		Help: "CDN archive indexes loaded or skipped at resolver construction",
	},
	[]string{"product", "outcome"},
)

// RecordCacheRequest increments CacheRequestsTotal for one lookup.
func RecordCacheRequest(source string, hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	CacheRequestsTotal.WithLabelValues(source, outcome).Inc()
}

// ObserveFetchDuration records how long a fetch of the given kind
// took, in seconds.
func ObserveFetchDuration(kind string, seconds float64) {
	FetchDuration.WithLabelValues(kind).Observe(seconds)
}

// SetDiskCacheBytes updates the occupied-bytes gauge for a product.
func SetDiskCacheBytes(product string, bytes int64) {
	DiskCacheBytes.WithLabelValues(product).Set(float64(bytes))
}

// RecordArchiveLoad increments ArchivesLoaded for one archive index,
// either "loaded" or "skipped".
func RecordArchiveLoad(product string, loaded bool) {
	outcome := "skipped"
	if loaded {
		outcome = "loaded"
	}
	ArchivesLoaded.WithLabelValues(product, outcome).Inc()
}
