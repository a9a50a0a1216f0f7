// metrics/metrics.go
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the Prometheus instruments for download, cache and
// manifest activity. A nil *Collector is valid and records nothing, so
// callers never need to guard metric calls.
type Collector struct {
	downloads       *prometheus.CounterVec
	downloadRetries prometheus.Counter
	bytesFetched    prometheus.Counter
	downloadSeconds prometheus.Histogram
	inFlight        prometheus.Gauge

	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	manifestRefreshes prometheus.Counter
	manifestEntries   prometheus.Gauge
}

// NewCollector creates and registers the instruments. A nil registerer
// falls back to the default Prometheus registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "popgrid_downloads_total",
			Help: "Download outcomes by terminal status",
		}, []string{"status"}),
		downloadRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "popgrid_download_retries_total",
			Help: "Total retried download attempts",
		}),
		bytesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "popgrid_bytes_fetched_total",
			Help: "Total bytes fetched from the data provider",
		}),
		downloadSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "popgrid_download_duration_seconds",
			Help:    "Wall time per completed download",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "popgrid_downloads_in_flight",
			Help: "Current number of in-flight downloads",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "popgrid_cache_hits_total",
			Help: "Targets satisfied from the local cache",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "popgrid_cache_misses_total",
			Help: "Targets that required a fetch",
		}),
		manifestRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "popgrid_manifest_refreshes_total",
			Help: "Completed manifest refreshes",
		}),
		manifestEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "popgrid_manifest_entries",
			Help: "Entries in the current manifest",
		}),
	}

	reg.MustRegister(
		c.downloads,
		c.downloadRetries,
		c.bytesFetched,
		c.downloadSeconds,
		c.inFlight,
		c.cacheHits,
		c.cacheMisses,
		c.manifestRefreshes,
		c.manifestEntries,
	)
	return c
}

// RecordDownload records one terminal download outcome.
func (c *Collector) RecordDownload(status string, bytes int64, seconds float64) {
	if c == nil {
		return
	}
	c.downloads.WithLabelValues(status).Inc()
	if bytes > 0 {
		c.bytesFetched.Add(float64(bytes))
	}
	if seconds > 0 {
		c.downloadSeconds.Observe(seconds)
	}
}

// RecordRetry records one retried attempt.
func (c *Collector) RecordRetry() {
	if c == nil {
		return
	}
	c.downloadRetries.Inc()
}

// DownloadStarted and DownloadFinished bracket an in-flight fetch.
func (c *Collector) DownloadStarted() {
	if c == nil {
		return
	}
	c.inFlight.Inc()
}

func (c *Collector) DownloadFinished() {
	if c == nil {
		return
	}
	c.inFlight.Dec()
}

// RecordCacheHit counts a target satisfied without a network request.
func (c *Collector) RecordCacheHit() {
	if c == nil {
		return
	}
	c.cacheHits.Inc()
}

// RecordCacheMiss counts a target that had to be fetched.
func (c *Collector) RecordCacheMiss() {
	if c == nil {
		return
	}
	c.cacheMisses.Inc()
}

// RecordManifestRefresh records a completed refresh and the resulting
// manifest size.
func (c *Collector) RecordManifestRefresh(entries int) {
	if c == nil {
		return
	}
	c.manifestRefreshes.Inc()
	c.manifestEntries.Set(float64(entries))
}

// Handler returns the HTTP handler exposing the default registry in
// Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
