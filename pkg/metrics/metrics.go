package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Volume write/read path metrics
	WritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voldrv_writes_total",
			Help: "Total number of volume writes by result",
		},
		[]string{"result"},
	)

	ReadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voldrv_reads_total",
			Help: "Total number of volume reads by result",
		},
		[]string{"result"},
	)

	WriteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "voldrv_write_duration_seconds",
			Help:    "Time taken to complete a volume write in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "voldrv_read_duration_seconds",
			Help:    "Time taken to complete a volume read in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "voldrv_sync_duration_seconds",
			Help:    "Time taken for sync() to drain open SCO and FailOverCache",
			Buckets: prometheus.DefBuckets,
		},
	)

	VolumesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "voldrv_volumes_total",
			Help: "Total number of open volumes by failover state",
		},
		[]string{"foc_state"},
	)

	// SCOCache metrics
	SCOUploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voldrv_sco_uploads_total",
			Help: "Total number of SCO uploads to the backend by result",
		},
		[]string{"result"},
	)

	SCOCacheEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voldrv_sco_cache_evictions_total",
			Help: "Total number of disposable SCOs evicted from SCOCache",
		},
	)

	SCOCacheFillRatio = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "voldrv_sco_cache_fill_ratio",
			Help: "Fraction of a mount point's capacity currently occupied",
		},
		[]string{"mount_point"},
	)

	// MetaDataStore metrics
	MetaDataPageCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voldrv_metadata_page_cache_hits_total",
			Help: "Total number of MetaDataStore page cache hits",
		},
	)

	MetaDataPageCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voldrv_metadata_page_cache_misses_total",
			Help: "Total number of MetaDataStore page cache misses",
		},
	)

	// FailOverCache (DTL) metrics
	FOCDegradedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voldrv_foc_degraded_total",
			Help: "Total number of transitions into the Degraded FailOverCache state",
		},
	)

	FOCRoundTripDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "voldrv_foc_round_trip_duration_seconds",
			Help:    "Round trip time for a synchronous FailOverCache request",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Snapshot metrics
	SnapshotOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voldrv_snapshot_ops_total",
			Help: "Total number of snapshot operations by op and result",
		},
		[]string{"op", "result"},
	)

	// Scrub / apply metrics
	ScrubApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "voldrv_scrub_apply_duration_seconds",
			Help:    "Time taken to apply a scrub result to a volume",
			Buckets: prometheus.DefBuckets,
		},
	)

	ScrubApplyTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voldrv_scrub_apply_total",
			Help: "Total number of scrub applications by result",
		},
		[]string{"result"},
	)

	// GarbageCollector metrics
	GCQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "voldrv_gc_queue_depth",
			Help: "Current number of pending garbage-collection tasks by namespace",
		},
		[]string{"namespace"},
	)

	GCDeletionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voldrv_gc_deletions_total",
			Help: "Total number of backend objects deleted by GarbageCollector",
		},
		[]string{"namespace", "result"},
	)

	GCRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voldrv_gc_retries_total",
			Help: "Total number of GarbageCollector task retries after a transient error",
		},
	)

	// BackendTaskRunner metrics
	BackendTaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "voldrv_backend_task_duration_seconds",
			Help:    "Time taken to complete a backend task by kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	BackendTasksPoisoned = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "voldrv_backend_tasks_poisoned",
			Help: "Whether the BackendTaskRunner is currently blocked on a poisoned task (1 = blocked)",
		},
	)
)

func init() {
	prometheus.MustRegister(WritesTotal)
	prometheus.MustRegister(ReadsTotal)
	prometheus.MustRegister(WriteDuration)
	prometheus.MustRegister(ReadDuration)
	prometheus.MustRegister(SyncDuration)
	prometheus.MustRegister(VolumesTotal)

	prometheus.MustRegister(SCOUploadsTotal)
	prometheus.MustRegister(SCOCacheEvictionsTotal)
	prometheus.MustRegister(SCOCacheFillRatio)

	prometheus.MustRegister(MetaDataPageCacheHits)
	prometheus.MustRegister(MetaDataPageCacheMisses)

	prometheus.MustRegister(FOCDegradedTotal)
	prometheus.MustRegister(FOCRoundTripDuration)

	prometheus.MustRegister(SnapshotOpsTotal)

	prometheus.MustRegister(ScrubApplyDuration)
	prometheus.MustRegister(ScrubApplyTotal)

	prometheus.MustRegister(GCQueueDepth)
	prometheus.MustRegister(GCDeletionsTotal)
	prometheus.MustRegister(GCRetriesTotal)

	prometheus.MustRegister(BackendTaskDuration)
	prometheus.MustRegister(BackendTasksPoisoned)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
