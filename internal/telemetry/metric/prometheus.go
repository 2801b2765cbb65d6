package metric

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "undocore"

// Checkpoint I/O wait kinds.
const (
	IORead  = "read"
	IOWrite = "write"
	IOSync  = "sync"
)

// Registry holds all application metrics.
type Registry struct {
	registry *prometheus.Registry

	// Checkpoint metrics
	CheckpointsTotal   *prometheus.CounterVec
	CheckpointDuration prometheus.Histogram
	CheckpointBytes    prometheus.Gauge
	CheckpointIOWait   *prometheus.HistogramVec
	StartupsTotal      *prometheus.CounterVec
	CleanupRemoved     prometheus.Counter
	CleanupSkipped     prometheus.Counter

	// WAL metrics
	WALRecords       prometheus.Counter
	WALWriteBytes    prometheus.Counter
	WALFlushes       prometheus.Counter
	WALFlushDuration prometheus.Histogram
	RedoRecords      *prometheus.CounterVec

	// Page store metrics
	PageFlushes     prometheus.Counter
	PageCacheHits   prometheus.Counter
	PageCacheMisses prometheus.Counter

	// Backup metrics
	BackupActive prometheus.Gauge
}

var (
	globalRegistry *Registry
	globalOnce     sync.Once
)

// Global returns the process-wide registry.
func Global() *Registry {
	globalOnce.Do(func() {
		globalRegistry = NewRegistry()
	})
	return globalRegistry
}

// Handler returns an HTTP handler for the global registry.
func Handler() http.Handler {
	return Global().Handler()
}

// NewRegistry creates a new metrics registry with Go runtime and process
// collectors attached.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	f := promauto.With(reg)
	return &Registry{
		registry: reg,

		CheckpointsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "checkpoint",
			Name:      "writes_total",
			Help:      "Checkpoint writes by result",
		}, []string{"result"}),
		CheckpointDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "checkpoint",
			Name:      "write_duration_seconds",
			Help:      "Time to write, sync and clean up one checkpoint",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		CheckpointBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "checkpoint",
			Name:      "last_size_bytes",
			Help:      "Size of the most recent checkpoint file, checksum included",
		}),
		CheckpointIOWait: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "checkpoint",
			Name:      "io_wait_seconds",
			Help:      "Time spent in checkpoint file read, write and sync calls",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		}, []string{"op"}),
		StartupsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "checkpoint",
			Name:      "startups_total",
			Help:      "Startup reads by result",
		}, []string{"result"}),
		CleanupRemoved: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "checkpoint",
			Name:      "files_removed_total",
			Help:      "Obsolete checkpoint files removed by cleanup",
		}),
		CleanupSkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "checkpoint",
			Name:      "cleanups_skipped_total",
			Help:      "Cleanups deferred because a backup was in progress",
		}),

		WALRecords: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wal",
			Name:      "records_total",
			Help:      "WAL records inserted",
		}),
		WALWriteBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wal",
			Name:      "write_bytes_total",
			Help:      "Bytes written to WAL segments",
		}),
		WALFlushes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wal",
			Name:      "flushes_total",
			Help:      "WAL write-and-fsync cycles",
		}),
		WALFlushDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "wal",
			Name:      "flush_duration_seconds",
			Help:      "Time to write and fsync buffered WAL records",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 14),
		}),
		RedoRecords: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redo",
			Name:      "records_total",
			Help:      "WAL records replayed during recovery by resource manager",
		}, []string{"rmgr"}),

		PageFlushes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pages",
			Name:      "flushes_total",
			Help:      "Dirty undo pages written to storage",
		}),
		PageCacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pages",
			Name:      "cache_hits_total",
			Help:      "Page pins served from the clean-page cache",
		}),
		PageCacheMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pages",
			Name:      "cache_misses_total",
			Help:      "Page pins that read from storage",
		}),

		BackupActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backup",
			Name:      "in_progress",
			Help:      "1 while a backup label is present",
		}),
	}
}

// Handler returns an HTTP handler serving this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// MustRegister registers additional collectors.
func (r *Registry) MustRegister(cs ...prometheus.Collector) {
	if r == nil {
		return
	}
	r.registry.MustRegister(cs...)
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveCheckpoint records a finished checkpoint write.
func (r *Registry) ObserveCheckpoint(d time.Duration, size int64, err error) {
	if r == nil {
		return
	}
	r.CheckpointsTotal.WithLabelValues(resultLabel(err)).Inc()
	if err == nil {
		r.CheckpointDuration.Observe(d.Seconds())
		r.CheckpointBytes.Set(float64(size))
	}
}

// ObserveStartup records a finished startup read.
func (r *Registry) ObserveStartup(err error) {
	if r == nil {
		return
	}
	r.StartupsTotal.WithLabelValues(resultLabel(err)).Inc()
}

// ObserveCheckpointIO records time spent in one checkpoint file call.
func (r *Registry) ObserveCheckpointIO(op string, d time.Duration) {
	if r == nil {
		return
	}
	r.CheckpointIOWait.WithLabelValues(op).Observe(d.Seconds())
}

// AddCleanupRemoved counts removed checkpoint files.
func (r *Registry) AddCleanupRemoved(n int) {
	if r == nil {
		return
	}
	r.CleanupRemoved.Add(float64(n))
}

// IncCleanupSkipped counts a cleanup deferred by a running backup.
func (r *Registry) IncCleanupSkipped() {
	if r == nil {
		return
	}
	r.CleanupSkipped.Inc()
}

// IncWALRecords counts an inserted WAL record.
func (r *Registry) IncWALRecords() {
	if r == nil {
		return
	}
	r.WALRecords.Inc()
}

// ObserveWALFlush records one WAL write-and-sync cycle.
func (r *Registry) ObserveWALFlush(bytes int, d time.Duration) {
	if r == nil {
		return
	}
	r.WALFlushes.Inc()
	r.WALWriteBytes.Add(float64(bytes))
	r.WALFlushDuration.Observe(d.Seconds())
}

// IncRedo counts a replayed record for the named resource manager.
func (r *Registry) IncRedo(rmgr string) {
	if r == nil {
		return
	}
	r.RedoRecords.WithLabelValues(rmgr).Inc()
}

// AddPageFlushes counts written pages.
func (r *Registry) AddPageFlushes(n int) {
	if r == nil {
		return
	}
	r.PageFlushes.Add(float64(n))
}

// IncPageCache counts a page pin served from (hit) or past (miss) the cache.
func (r *Registry) IncPageCache(hit bool) {
	if r == nil {
		return
	}
	if hit {
		r.PageCacheHits.Inc()
	} else {
		r.PageCacheMisses.Inc()
	}
}

// SetBackupActive reports whether a backup is running.
func (r *Registry) SetBackupActive(active bool) {
	if r == nil {
		return
	}
	if active {
		r.BackupActive.Set(1)
	} else {
		r.BackupActive.Set(0)
	}
}
