// Package metrics exports loader, scheduler and cache counters to Prometheus.
package metrics

import (
	"github.com/genome-tiles/server/internal/cache"
	"github.com/genome-tiles/server/internal/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "genome_tiles"

// Label constants for metrics.
const (
	LabelDataset = "dataset"
	LabelTrack   = "track"
	LabelState   = "state"
	LabelCache   = "cache"
)

// Datasets is the view of the dataset registry the collector needs.
type Datasets interface {
	DatasetIDs() []string
	Get(datasetID string) *service.Dataset
}

// Collector reads track and cache stats at scrape time.
type Collector struct {
	datasets Datasets
	cache    *cache.Manager

	active     *prometheus.Desc
	queued     *prometheus.Desc
	maxActive  *prometheus.Desc
	dispatched *prometheus.Desc
	completed  *prometheus.Desc
	failed     *prometheus.Desc
	loaders    *prometheus.Desc
	blocks     *prometheus.Desc
	tiles      *prometheus.Desc
	summaries  *prometheus.Desc
	cacheItems *prometheus.Desc
	cacheHits  *prometheus.Desc
	cacheMiss  *prometheus.Desc
}

// NewCollector creates a collector. cm may be nil.
func NewCollector(datasets Datasets, cm *cache.Manager) *Collector {
	trackLabels := []string{LabelDataset, LabelTrack}
	desc := func(subsystem, name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
	}
	return &Collector{
		datasets:   datasets,
		cache:      cm,
		active:     desc("scheduler", "active_requests", "Fetches currently in flight", trackLabels...),
		queued:     desc("scheduler", "queued_requests", "Fetches waiting for a free slot", trackLabels...),
		maxActive:  desc("scheduler", "max_active_requests", "Concurrent fetch limit", trackLabels...),
		dispatched: desc("scheduler", "dispatched_total", "Fetches started", trackLabels...),
		completed:  desc("scheduler", "completed_total", "Fetches that completed a tile", trackLabels...),
		failed:     desc("scheduler", "failed_total", "Fetches that failed or were rejected", trackLabels...),
		loaders:    desc("loader", "contigs", "Contigs with a live loader", trackLabels...),
		blocks:     desc("loader", "blocks", "Allocated blocks across live loaders", trackLabels...),
		tiles:      desc("loader", "tiles", "Allocated tiles across live loaders by state", LabelDataset, LabelTrack, LabelState),
		summaries:  desc("loader", "block_summaries", "Live block summaries of signal tracks", trackLabels...),
		cacheItems: desc("cache", "entries", "Entries held by a fetch cache", LabelCache),
		cacheHits:  desc("cache", "hits_total", "Tile cache hits", LabelCache),
		cacheMiss:  desc("cache", "misses_total", "Tile cache misses", LabelCache),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.active, c.queued, c.maxActive, c.dispatched, c.completed, c.failed,
		c.loaders, c.blocks, c.tiles, c.summaries,
		c.cacheItems, c.cacheHits, c.cacheMiss,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, id := range c.datasets.DatasetIDs() {
		ds := c.datasets.Get(id)
		if ds == nil {
			continue
		}
		for _, t := range ds.Tracks() {
			c.collectTrack(ch, id, t.Stats())
		}
	}
	c.collectCache(ch)
}

func (c *Collector) collectTrack(ch chan<- prometheus.Metric, datasetID string, st service.TrackStats) {
	labels := []string{datasetID, st.ID}
	gauge := func(d *prometheus.Desc, v float64, extra ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, append(labels, extra...)...)
	}
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	sched := st.Scheduler
	gauge(c.active, float64(sched.Active))
	gauge(c.queued, float64(sched.Queued))
	gauge(c.maxActive, float64(sched.MaxActive))
	counter(c.dispatched, sched.Dispatched)
	counter(c.completed, sched.Completed)
	counter(c.failed, sched.Failed)

	var blocks, empty, loading, complete int
	for _, ls := range st.Contigs {
		blocks += ls.Blocks
		empty += ls.Empty
		loading += ls.Loading
		complete += ls.Complete
	}
	gauge(c.loaders, float64(len(st.Contigs)))
	gauge(c.blocks, float64(blocks))
	gauge(c.tiles, float64(empty), "empty")
	gauge(c.tiles, float64(loading), "loading")
	gauge(c.tiles, float64(complete), "complete")
	if st.Kind == "signal" {
		gauge(c.summaries, float64(st.Summaries))
	}
}

func (c *Collector) collectCache(ch chan<- prometheus.Metric) {
	if c.cache == nil {
		return
	}
	st := c.cache.Stats()
	ch <- prometheus.MustNewConstMetric(c.cacheItems, prometheus.GaugeValue, number(st["tile_cache_len"]), "tile")
	ch <- prometheus.MustNewConstMetric(c.cacheItems, prometheus.GaugeValue, number(st["query_cache_len"]), "query")
	ch <- prometheus.MustNewConstMetric(c.cacheHits, prometheus.CounterValue, number(st["tile_cache_hits"]), "tile")
	ch <- prometheus.MustNewConstMetric(c.cacheMiss, prometheus.CounterValue, number(st["tile_cache_misses"]), "tile")
}

func number(v interface{}) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	case float64:
		return n
	}
	return 0
}

// NewRegistry returns a registry holding the collector and the Go runtime
// and process collectors.
func NewRegistry(c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		c,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
