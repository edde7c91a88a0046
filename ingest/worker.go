// Package ingest implements the single-writer consumer worker (C4) that
// drains the queue package's ring buffer into a store.Tree, with pluggable
// error-handling strategies, latency/throughput metrics, and a dead-letter
// list for items that exhaust their retry budget.
package ingest

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/brineflow/kvindex/internal/logging"
	"github.com/brineflow/kvindex/queue"
	"github.com/brineflow/kvindex/store"
)

// ErrorStrategy selects how the worker reacts to a batch entry that still
// fails after exhausting its retry budget (spec §4.4/§7).
type ErrorStrategy int

const (
	// FailFast aborts the whole transaction and stops the worker.
	FailFast ErrorStrategy = iota
	// Retry already ran its retries in the per-entry attempt loop; its
	// terminal state on continued failure is the dead-letter list, per
	// spec §7's instruction that RETRY and DLQ share a terminal state.
	Retry
	// DLQ moves the entry straight to the dead-letter list.
	DLQ
	// LogContinue logs and drops the entry, continuing the batch.
	LogContinue
)

// ErrAlreadyRunning is returned by Start when the worker is already active.
var ErrAlreadyRunning = errors.New("ingest: worker already running")

// WorkerConfig configures a Worker (spec §4.4).
type WorkerConfig struct {
	ErrorStrategy           ErrorStrategy
	MaxRetries              int
	RetryBackoffMS          int64
	MaxBatchSize            int // 0 = unbounded
	CommitIntervalMS        int64
	EnableLatencyTracking   bool
	MetricsUpdateIntervalS  int64
	// ReleaseKey/ReleaseValue are invoked once per processed entry after
	// the worker no longer needs its bytes, mirroring the ring queue's
	// ownership-transfer contract (spec §4.3/§4.4). Nil means no-op,
	// which is sufficient for heap-allocated producer buffers.
	ReleaseKey   func([]byte)
	ReleaseValue func([]byte)
}

// Worker is the consumer goroutine lifecycle over one queue.RingQueue and
// one store.Tree.
type Worker struct {
	ring *queue.RingQueue
	tree *store.Tree
	cfg  WorkerConfig
	met  *metrics
	dlq  *deadLetterQueue

	running           int32
	consecutiveErrors int64
	totalErrors       int64
	stopCh            chan struct{}
	doneCh            chan struct{}
}

// NewWorker builds a worker over ring, writing into tree.
func NewWorker(ring *queue.RingQueue, tree *store.Tree, cfg WorkerConfig) *Worker {
	return &Worker{
		ring: ring,
		tree: tree,
		cfg:  cfg,
		met:  newMetrics(cfg),
		dlq:  newDeadLetterQueue(),
	}
}

// Start spawns the worker's consumer goroutine.
func (w *Worker) Start() error {
	if !atomic.CompareAndSwapInt32(&w.running, 0, 1) {
		return ErrAlreadyRunning
	}
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	go w.loop()
	return nil
}

// Stop signals the worker to drain in-flight work and exit, then blocks
// until it has.
func (w *Worker) Stop() {
	if !atomic.CompareAndSwapInt32(&w.running, 1, 0) {
		return
	}
	close(w.stopCh)
	w.ring.Flush()
	<-w.doneCh
}

// Health reports spec §4.4's health formula: running && consecutive_errors
// < 10.
func (w *Worker) Health() bool {
	return atomic.LoadInt32(&w.running) == 1 && atomic.LoadInt64(&w.consecutiveErrors) < 10
}

// Snapshot returns the worker's current metrics, including the live
// current_queue_depth/queue_utilization read off the ring queue (spec §3,
// §9: utilization is depth/capacity).
func (w *Worker) Snapshot() Snapshot {
	depth := w.ring.Depth()
	capacity := w.ring.Capacity()
	return w.met.snapshot(
		atomic.LoadInt32(&w.running) == 1,
		atomic.LoadInt64(&w.consecutiveErrors),
		atomic.LoadInt64(&w.totalErrors),
		depth,
		capacity,
	)
}

// DrainDeadLetters returns and clears every item currently in the
// dead-letter list.
func (w *Worker) DrainDeadLetters() []DLQEntry { return w.dlq.Drain() }

func (w *Worker) loop() {
	defer close(w.doneCh)
	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		if !w.ring.WaitNonEmpty() {
			select {
			case <-w.stopCh:
				return
			default:
				continue
			}
		}

		snap := w.ring.SwapBuffer(0)
		if snap.Count == 0 {
			continue
		}
		for _, batch := range splitSnapshot(snap, w.cfg.MaxBatchSize) {
			if w.processBatch(batch) {
				atomic.StoreInt32(&w.running, 0)
				return // fatal: FailFast strategy stops the worker
			}
		}
	}
}

// splitSnapshot divides one swapped ring snapshot into consecutive
// sub-batches of at most maxBatchSize entries each, so cfg.MaxBatchSize
// ("0 = unbounded", spec §4.4) caps the size of the single write
// transaction processBatch opens per call. A maxBatchSize <= 0, or a
// snapshot already within the cap, is returned unsplit as its sole element.
func splitSnapshot(snap queue.RingSnapshot, maxBatchSize int) []queue.RingSnapshot {
	if maxBatchSize <= 0 || snap.Count <= maxBatchSize {
		return []queue.RingSnapshot{snap}
	}
	batches := make([]queue.RingSnapshot, 0, (snap.Count+maxBatchSize-1)/maxBatchSize)
	for offset := 0; offset < snap.Count; offset += maxBatchSize {
		n := maxBatchSize
		if offset+n > snap.Count {
			n = snap.Count - offset
		}
		batches = append(batches, queue.RingSnapshot{
			Entries:    snap.Entries,
			Capacity:   snap.Capacity,
			Count:      n,
			HeadOffset: (snap.HeadOffset + offset) & (snap.Capacity - 1),
		})
	}
	return batches
}

// processBatch runs spec §4.4's per-iteration protocol over one detached
// ring snapshot. It returns true if the worker should stop (a fatal
// outcome under FailFast).
func (w *Worker) processBatch(snap queue.RingSnapshot) bool {
	start := time.Now()

	tx, err := w.tree.Begin(true)
	if err != nil {
		logging.Errorf("ingest: begin write transaction: %v", err)
		atomic.AddInt64(&w.consecutiveErrors, 1)
		atomic.AddInt64(&w.totalErrors, 1)
		w.met.incError()
		return false
	}

	fatal := false
	stoppedAt := snap.Count
	for i := 0; i < snap.Count; i++ {
		e := snap.Entries[(snap.HeadOffset+i)&(snap.Capacity-1)]
		if err := w.putWithRetry(tx, e.Key, e.Value); err != nil {
			if w.handleFailure(e, err) {
				fatal = true
				stoppedAt = i
				break
			}
		}
		w.release(e)
	}
	if fatal {
		// The batch is being abandoned: release every entry's bytes back
		// to the producer, including the one that triggered the abort.
		for i := stoppedAt; i < snap.Count; i++ {
			w.release(snap.Entries[(snap.HeadOffset+i)&(snap.Capacity-1)])
		}
	}

	if fatal {
		_ = tx.Abort()
		atomic.AddInt64(&w.consecutiveErrors, 1)
		atomic.AddInt64(&w.totalErrors, 1)
		w.met.incError()
		w.met.recordBatch(0, time.Since(start))
		logging.Errorf("ingest: aborting batch of %d after fatal error", snap.Count)
		return true
	}

	if err := tx.Commit(); err != nil {
		logging.Errorf("ingest: commit batch of %d: %v", snap.Count, err)
		atomic.AddInt64(&w.consecutiveErrors, 1)
		atomic.AddInt64(&w.totalErrors, 1)
		w.met.incError()
		w.met.recordBatch(0, time.Since(start))
		return false
	}

	atomic.StoreInt64(&w.consecutiveErrors, 0)
	w.met.recordBatch(snap.Count, time.Since(start))
	return false
}

// putWithRetry attempts Put up to 1+max_retries times, sleeping
// retry_backoff_ms<<attempt between attempts.
func (w *Worker) putWithRetry(tx *store.Txn, key, value []byte) error {
	var err error
	for attempt := 0; attempt <= w.cfg.MaxRetries; attempt++ {
		if err = tx.Put(key, value); err == nil {
			return nil
		}
		if attempt < w.cfg.MaxRetries && w.cfg.RetryBackoffMS > 0 {
			time.Sleep(time.Duration(w.cfg.RetryBackoffMS<<uint(attempt)) * time.Millisecond)
		}
	}
	return err
}

// handleFailure applies the configured error strategy to an entry whose
// retries were exhausted, returning true if the failure is fatal and the
// whole batch transaction must abort.
func (w *Worker) handleFailure(e queue.RingEntry, cause error) bool {
	switch w.cfg.ErrorStrategy {
	case FailFast:
		logging.Errorf("ingest: fail-fast on key %q: %v", e.Key, cause)
		return true
	case Retry, DLQ:
		w.dlq.Add(e.Key, e.Value, cause)
		w.met.incDLQ()
		return false
	case LogContinue:
		logging.Warnf("ingest: dropping key %q after exhausted retries: %v", e.Key, cause)
		return false
	default:
		return true
	}
}

func (w *Worker) release(e queue.RingEntry) {
	if w.cfg.ReleaseKey != nil {
		w.cfg.ReleaseKey(e.Key)
	}
	if w.cfg.ReleaseValue != nil {
		w.cfg.ReleaseValue(e.Value)
	}
}
