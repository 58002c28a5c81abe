package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus instrumentation. All methods accept a nil receiver, so
// components can be run without metrics.
type Collector struct {
	reg *prometheus.Registry

	FetchAttempts  *prometheus.CounterVec // feed, candidate, outcome
	RefreshCycles  *prometheus.CounterVec // feed, outcome
	FetchDuration  *prometheus.HistogramVec
	FeedEntities   *prometheus.GaugeVec // feed
	IndexReloads   *prometheus.CounterVec // outcome
	IndexSize      prometheus.Gauge
	IndexLoadedAt  prometheus.Gauge
	LookupRequests prometheus.Counter
	LookupIDs      *prometheus.CounterVec // result: hit|resolved|missing
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		FetchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gtfslive_feed_fetch_attempts_total",
			Help: "Feed fetch attempts by feed, candidate and outcome.",
		}, []string{"feed", "candidate", "outcome"}),
		RefreshCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gtfslive_refresh_cycles_total",
			Help: "Feed refresh outcomes by feed.",
		}, []string{"feed", "outcome"}),
		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gtfslive_feed_fetch_duration_seconds",
			Help:    "Duration of a complete feed fetch, all candidates included.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"feed"}),
		FeedEntities: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gtfslive_feed_entities",
			Help: "Entities decoded from the most recent applied feed.",
		}, []string{"feed"}),
		IndexReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gtfslive_stop_index_reloads_total",
			Help: "Static stop index reloads by outcome.",
		}, []string{"outcome"}),
		IndexSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gtfslive_stop_index_size",
			Help: "Number of stops in the static stop index.",
		}),
		IndexLoadedAt: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gtfslive_stop_index_loaded_timestamp_seconds",
			Help: "Unix time the static stop index was loaded.",
		}),
		LookupRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gtfslive_stop_name_lookups_total",
			Help: "Stop name lookups made against the lookup service.",
		}),
		LookupIDs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gtfslive_stop_name_ids_total",
			Help: "Stop IDs requested from the stop name cache, by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		c.FetchAttempts, c.RefreshCycles, c.FetchDuration, c.FeedEntities,
		c.IndexReloads, c.IndexSize, c.IndexLoadedAt,
		c.LookupRequests, c.LookupIDs,
	)

	return c
}

func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

func (c *Collector) FetchAttempt(feed, candidate, outcome string) {
	if c == nil {
		return
	}
	c.FetchAttempts.WithLabelValues(feed, candidate, outcome).Inc()
}

func (c *Collector) FetchObserve(feed string, d time.Duration) {
	if c == nil {
		return
	}
	c.FetchDuration.WithLabelValues(feed).Observe(d.Seconds())
}

func (c *Collector) RefreshCycle(feed, outcome string) {
	if c == nil {
		return
	}
	c.RefreshCycles.WithLabelValues(feed, outcome).Inc()
}

func (c *Collector) Entities(feed string, n int) {
	if c == nil {
		return
	}
	c.FeedEntities.WithLabelValues(feed).Set(float64(n))
}

func (c *Collector) IndexReload(outcome string) {
	if c == nil {
		return
	}
	c.IndexReloads.WithLabelValues(outcome).Inc()
}

func (c *Collector) IndexInstalled(size int, loadedAt time.Time) {
	if c == nil {
		return
	}
	c.IndexSize.Set(float64(size))
	c.IndexLoadedAt.Set(float64(loadedAt.Unix()))
}

func (c *Collector) Lookup() {
	if c == nil {
		return
	}
	c.LookupRequests.Inc()
}

func (c *Collector) LookupResult(result string, n int) {
	if c == nil || n == 0 {
		return
	}
	c.LookupIDs.WithLabelValues(result).Add(float64(n))
}
