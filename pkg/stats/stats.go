// Package stats aggregates cache counters. Counters are independent
// atomics; a snapshot taken during updates may be slightly inconsistent
// across counters.
package stats

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pmkol/imgcache/pkg/asset"
)

type Collector struct {
	totalPreloaded atomic.Uint64
	hits           atomic.Uint64
	misses         atomic.Uint64
	evictions      atomic.Uint64
	lastCleanup    atomic.Int64 // unix nano, 0 = never

	preloadedDesc *prometheus.Desc
	hitsDesc      *prometheus.Desc
	missesDesc    *prometheus.Desc
	evictionsDesc *prometheus.Desc
	cleanupDesc   *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

func New() *Collector {
	return &Collector{
		preloadedDesc: prometheus.NewDesc("cache_preloaded_total", "Images fetched and added by preload batches.", nil, nil),
		hitsDesc:      prometheus.NewDesc("cache_hits_total", "Lookups that found a cache entry.", nil, nil),
		missesDesc:    prometheus.NewDesc("cache_misses_total", "Lookups that found nothing.", nil, nil),
		evictionsDesc: prometheus.NewDesc("cache_evictions_total", "Entries removed by eviction.", nil, nil),
		cleanupDesc:   prometheus.NewDesc("cache_last_cleanup_timestamp_seconds", "Unix time of the last full maintenance run.", nil, nil),
	}
}

func (c *Collector) RecordHit()  { c.hits.Add(1) }
func (c *Collector) RecordMiss() { c.misses.Add(1) }

func (c *Collector) RecordPreloaded(n int) {
	if n > 0 {
		c.totalPreloaded.Add(uint64(n))
	}
}

func (c *Collector) RecordEviction(n int) {
	if n > 0 {
		c.evictions.Add(uint64(n))
	}
}

func (c *Collector) MarkCleanup(t time.Time) {
	c.lastCleanup.Store(t.UnixNano())
}

func (c *Collector) Snapshot() asset.Stats {
	s := asset.Stats{
		TotalPreloaded: c.totalPreloaded.Load(),
		CacheHits:      c.hits.Load(),
		CacheMisses:    c.misses.Load(),
		Evictions:      c.evictions.Load(),
	}
	if ns := c.lastCleanup.Load(); ns != 0 {
		s.LastCleanupAt = time.Unix(0, ns)
	}
	return s
}

// Restore overwrites all counters, e.g. from a persisted snapshot.
func (c *Collector) Restore(s asset.Stats) {
	c.totalPreloaded.Store(s.TotalPreloaded)
	c.hits.Store(s.CacheHits)
	c.misses.Store(s.CacheMisses)
	c.evictions.Store(s.Evictions)
	if s.LastCleanupAt.IsZero() {
		c.lastCleanup.Store(0)
	} else {
		c.lastCleanup.Store(s.LastCleanupAt.UnixNano())
	}
}

func (c *Collector) Reset() {
	c.Restore(asset.Stats{})
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.preloadedDesc
	ch <- c.hitsDesc
	ch <- c.missesDesc
	ch <- c.evictionsDesc
	ch <- c.cleanupDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.Snapshot()
	ch <- prometheus.MustNewConstMetric(c.preloadedDesc, prometheus.CounterValue, float64(s.TotalPreloaded))
	ch <- prometheus.MustNewConstMetric(c.hitsDesc, prometheus.CounterValue, float64(s.CacheHits))
	ch <- prometheus.MustNewConstMetric(c.missesDesc, prometheus.CounterValue, float64(s.CacheMisses))
	ch <- prometheus.MustNewConstMetric(c.evictionsDesc, prometheus.CounterValue, float64(s.Evictions))
	var ts float64
	if !s.LastCleanupAt.IsZero() {
		ts = float64(s.LastCleanupAt.UnixNano()) / 1e9
	}
	ch <- prometheus.MustNewConstMetric(c.cleanupDesc, prometheus.GaugeValue, ts)
}
