package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Stats is a point-in-time view of engine state sampled on scrape.
type Stats struct {
	WALInsertLSN   uint64
	WALFlushedLSN  uint64
	CheckpointRedo uint64
	ShmemUsed      int
	ShmemSize      int
	PinnedPages    int
	DirtyPages     int
	OpenRecordSets int
}

// StatsFunc returns the current engine stats.
type StatsFunc func() Stats

// Collector collects gauges from a StatsFunc at scrape time.
type Collector struct {
	stats StatsFunc

	walInsert      *prometheus.Desc
	walFlushed     *prometheus.Desc
	checkpointRedo *prometheus.Desc
	shmemUsed      *prometheus.Desc
	shmemSize      *prometheus.Desc
	pinnedPages    *prometheus.Desc
	dirtyPages     *prometheus.Desc
	openSets       *prometheus.Desc
}

// NewCollector creates a collector sampling stats.
func NewCollector(stats StatsFunc) *Collector {
	desc := func(sub, name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, sub, name), help, nil, nil)
	}
	return &Collector{
		stats:          stats,
		walInsert:      desc("wal", "insert_lsn", "Current WAL insert position"),
		walFlushed:     desc("wal", "flushed_lsn", "WAL position known durable"),
		checkpointRedo: desc("checkpoint", "redo_lsn", "Redo position of the latest checkpoint"),
		shmemUsed:      desc("shmem", "used_bytes", "Bytes allocated in the undo shared memory region"),
		shmemSize:      desc("shmem", "size_bytes", "Capacity of the undo shared memory region"),
		pinnedPages:    desc("pages", "pinned", "Undo pages currently pinned"),
		dirtyPages:     desc("pages", "dirty", "Undo pages modified since the last flush"),
		openSets:       desc("undo", "open_record_sets", "Undo record sets not yet released"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.walInsert
	ch <- c.walFlushed
	ch <- c.checkpointRedo
	ch <- c.shmemUsed
	ch <- c.shmemSize
	ch <- c.pinnedPages
	ch <- c.dirtyPages
	ch <- c.openSets
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.stats == nil {
		return
	}
	s := c.stats()
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}
	gauge(c.walInsert, float64(s.WALInsertLSN))
	gauge(c.walFlushed, float64(s.WALFlushedLSN))
	gauge(c.checkpointRedo, float64(s.CheckpointRedo))
	gauge(c.shmemUsed, float64(s.ShmemUsed))
	gauge(c.shmemSize, float64(s.ShmemSize))
	gauge(c.pinnedPages, float64(s.PinnedPages))
	gauge(c.dirtyPages, float64(s.DirtyPages))
	gauge(c.openSets, float64(s.OpenRecordSets))
}
