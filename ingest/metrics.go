package ingest

import (
	"os"
	"sort"
	"sync"
	"time"

	"github.com/couchbase/logstats"
	gometrics "github.com/rcrowley/go-metrics"

	"github.com/brineflow/kvindex/internal/logging"
)

const latencySampleWindow = 100

// Snapshot is the point-in-time view of a Worker's metrics, carrying every
// field spec §3's "Metrics snapshot" names.
type Snapshot struct {
	TotalItemsProcessed   int64
	TotalBatchesProcessed int64
	ItemsPerSecond        float64
	CurrentQueueDepth     int64
	QueueUtilization      float64
	AvgBatchLatencyMS     float64
	MaxBatchLatencyMS     float64
	P95BatchLatencyMS     float64
	TotalErrors           int64
	ConsecutiveErrors     int64
	ItemsInDLQ            int64
	UptimeSeconds         float64
	IsRunning             bool
	Healthy               bool
}

// metrics accumulates the counters and latency samples a Worker reports,
// throttled to metrics_update_interval_s and periodically flushed through
// logstats the way the teacher's stats_manager.go periodically dumps
// indexer stats.
type metrics struct {
	mu sync.Mutex

	registry  gometrics.Registry
	processed gometrics.Counter

	enableLatency bool
	samples       []int64 // ring of the last latencySampleWindow batch latencies, in ms
	sampleHead    int

	batches  int64
	dlqDepth int64
	errors   int64

	startedAt      time.Time
	updateInterval time.Duration
	lastEmit       time.Time

	logger *logstats.Logger
}

func newMetrics(cfg WorkerConfig) *metrics {
	reg := gometrics.NewRegistry()
	m := &metrics{
		registry:       reg,
		processed:      gometrics.NewCounter(),
		enableLatency:  cfg.EnableLatencyTracking,
		startedAt:      time.Now(),
		updateInterval: time.Duration(cfg.MetricsUpdateIntervalS) * time.Second,
		logger:         logstats.NewLogger(os.Stderr, "ingest"),
	}
	reg.Register("ingest.items_processed", m.processed)
	return m
}

// recordBatch folds one processed batch into the running counters, and
// periodically emits a structured stats line once updateInterval elapses.
// count is 0 for a batch that failed before any entry committed.
func (m *metrics) recordBatch(count int, elapsed time.Duration) {
	m.processed.Inc(int64(count))

	m.mu.Lock()
	m.batches++
	if m.enableLatency {
		ms := elapsed.Milliseconds()
		if len(m.samples) < latencySampleWindow {
			m.samples = append(m.samples, ms)
		} else {
			m.samples[m.sampleHead] = ms
			m.sampleHead = (m.sampleHead + 1) % latencySampleWindow
		}
	}
	due := m.updateInterval > 0 && time.Since(m.lastEmit) >= m.updateInterval
	if due {
		m.lastEmit = time.Now()
	}
	m.mu.Unlock()

	if due {
		m.emit()
	}
}

func (m *metrics) incDLQ() { m.mu.Lock(); m.dlqDepth++; m.mu.Unlock() }

// incError folds one failed operation (a failed begin/commit or an aborted
// batch) into the cumulative error counter, distinct from the Worker's own
// consecutive-error streak.
func (m *metrics) incError() { m.mu.Lock(); m.errors++; m.mu.Unlock() }

func (m *metrics) errorsCount() int64 { m.mu.Lock(); defer m.mu.Unlock(); return m.errors }

// p95Locked sorts a copy of the latency ring and picks the 95th-percentile
// entry (spec §4.4: "a simple sort").
func (m *metrics) p95Locked() float64 {
	return m.percentileLocked(95)
}

func (m *metrics) percentileLocked(pct int) float64 {
	if len(m.samples) == 0 {
		return 0
	}
	sorted := append([]int64(nil), m.samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := (len(sorted) * pct) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return float64(sorted[idx])
}

// avgMaxLocked returns the mean and maximum of the latency ring's current
// samples.
func (m *metrics) avgMaxLocked() (avg, maxMS float64) {
	if len(m.samples) == 0 {
		return 0, 0
	}
	var sum int64
	for _, v := range m.samples {
		sum += v
		if v > int64(maxMS) {
			maxMS = float64(v)
		}
	}
	return float64(sum) / float64(len(m.samples)), maxMS
}

// snapshot assembles spec §3's full Metrics snapshot. queueDepth/
// queueCapacity come from the Worker's queue, which metrics itself has no
// handle on.
func (m *metrics) snapshot(running bool, consecutiveErrors, totalErrors int64, queueDepth int64, queueCapacity int) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	avg, maxMS := m.avgMaxLocked()
	uptime := time.Since(m.startedAt).Seconds()
	processed := m.processed.Count()
	var throughput float64
	if uptime > 0 {
		throughput = float64(processed) / uptime
	}
	var utilization float64
	if queueCapacity > 0 {
		utilization = float64(queueDepth) / float64(queueCapacity)
	}

	return Snapshot{
		TotalItemsProcessed:   processed,
		TotalBatchesProcessed: m.batches,
		ItemsPerSecond:        throughput,
		CurrentQueueDepth:     queueDepth,
		QueueUtilization:      utilization,
		AvgBatchLatencyMS:     avg,
		MaxBatchLatencyMS:     maxMS,
		P95BatchLatencyMS:     m.p95Locked(),
		TotalErrors:           totalErrors,
		ConsecutiveErrors:     consecutiveErrors,
		ItemsInDLQ:            m.dlqDepth,
		UptimeSeconds:         uptime,
		IsRunning:             running,
		Healthy:               running && consecutiveErrors < 10,
	}
}

func (m *metrics) emit() {
	snap := m.snapshot(true, 0, m.errorsCount(), 0, 0)
	if m.logger != nil {
		m.logger.Write(map[string]interface{}{
			"total_items_processed":   snap.TotalItemsProcessed,
			"total_batches_processed": snap.TotalBatchesProcessed,
			"items_per_second":        snap.ItemsPerSecond,
			"avg_batch_latency_ms":    snap.AvgBatchLatencyMS,
			"max_batch_latency_ms":    snap.MaxBatchLatencyMS,
			"p95_batch_latency_ms":    snap.P95BatchLatencyMS,
			"items_in_dlq":            snap.ItemsInDLQ,
			"uptime_seconds":          snap.UptimeSeconds,
		})
		return
	}
	logging.Infof("ingest metrics: processed=%d batches=%d p95_ms=%.2f dlq_depth=%d",
		snap.TotalItemsProcessed, snap.TotalBatchesProcessed, snap.P95BatchLatencyMS, snap.ItemsInDLQ)
}
