package ingest

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brineflow/kvindex/kvstore"
	"github.com/brineflow/kvindex/queue"
	"github.com/brineflow/kvindex/store"
)

func newTestTree(t *testing.T) *store.Tree {
	t.Helper()
	s, err := store.Open(kvstore.NewMemEngine(), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	tree, err := s.TreeOpen("docs", store.TreeCreate, 0)
	require.NoError(t, err)
	return tree
}

func TestWorkerCommitsBatch(t *testing.T) {
	tree := newTestTree(t)
	ring := queue.NewRingQueue(16, nil)
	w := NewWorker(ring, tree, WorkerConfig{MaxRetries: 1, EnableLatencyTracking: true})
	require.NoError(t, w.Start())
	defer w.Stop()

	for i := 0; i < 10; i++ {
		key := []byte(fmt.Sprintf("k%02d", i))
		require.True(t, ring.Enqueue(key, key))
	}

	require.Eventually(t, func() bool {
		return w.Snapshot().TotalItemsProcessed == 10
	}, 2*time.Second, time.Millisecond)

	tx, err := tree.Begin(false)
	require.NoError(t, err)
	defer tx.Abort()
	v, ok, err := tx.Get([]byte("k05"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("k05"), v)
}

func TestSplitSnapshotCapsBatchSize(t *testing.T) {
	entries := make([]queue.RingEntry, 8)
	for i := range entries {
		entries[i] = queue.RingEntry{Key: []byte{byte(i)}}
	}
	snap := queue.RingSnapshot{Entries: entries, Capacity: 8, Count: 8, HeadOffset: 0}

	batches := splitSnapshot(snap, 3)
	require.Len(t, batches, 3)
	require.Equal(t, 3, batches[0].Count)
	require.Equal(t, 3, batches[1].Count)
	require.Equal(t, 2, batches[2].Count)
	require.Equal(t, 0, batches[0].HeadOffset)
	require.Equal(t, 3, batches[1].HeadOffset)
	require.Equal(t, 6, batches[2].HeadOffset)

	unsplit := splitSnapshot(snap, 0)
	require.Len(t, unsplit, 1)
	require.Equal(t, snap, unsplit[0])
}

func TestSplitSnapshotWrapsHeadOffsetModuloCapacity(t *testing.T) {
	entries := make([]queue.RingEntry, 8)
	snap := queue.RingSnapshot{Entries: entries, Capacity: 8, Count: 5, HeadOffset: 6}

	batches := splitSnapshot(snap, 2)
	require.Len(t, batches, 3)
	require.Equal(t, []int{2, 2, 1}, []int{batches[0].Count, batches[1].Count, batches[2].Count})
	require.Equal(t, []int{6, 0, 2}, []int{batches[0].HeadOffset, batches[1].HeadOffset, batches[2].HeadOffset})
}

func TestWorkerRespectsMaxBatchSize(t *testing.T) {
	tree := newTestTree(t)
	ring := queue.NewRingQueue(64, nil)
	w := NewWorker(ring, tree, WorkerConfig{MaxBatchSize: 4})

	for i := 0; i < 20; i++ {
		key := []byte(fmt.Sprintf("k%02d", i))
		require.True(t, ring.Enqueue(key, key))
	}

	// A 20-entry swap capped at MaxBatchSize=4 must yield five sub-batches
	// of at most 4 entries each, exercising the same split the worker loop
	// applies before handing each sub-batch to processBatch.
	snap := ring.SwapBuffer(0)
	batches := splitSnapshot(snap, w.cfg.MaxBatchSize)
	require.Len(t, batches, 5)
	total := 0
	for _, b := range batches {
		require.LessOrEqual(t, b.Count, 4)
		total += b.Count
	}
	require.Equal(t, 20, total)
}

func TestWorkerCommitsAllItemsAcrossMaxBatchSizeSplits(t *testing.T) {
	tree := newTestTree(t)
	ring := queue.NewRingQueue(32, nil)
	w := NewWorker(ring, tree, WorkerConfig{MaxBatchSize: 3})
	require.NoError(t, w.Start())
	defer w.Stop()

	for i := 0; i < 10; i++ {
		key := []byte(fmt.Sprintf("k%02d", i))
		require.True(t, ring.Enqueue(key, key))
	}

	require.Eventually(t, func() bool {
		return w.Snapshot().TotalItemsProcessed == 10
	}, 2*time.Second, time.Millisecond)

	tx, err := tree.Begin(false)
	require.NoError(t, err)
	defer tx.Abort()
	for i := 0; i < 10; i++ {
		key := []byte(fmt.Sprintf("k%02d", i))
		v, ok, err := tx.Get(key)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, key, v)
	}
}

func TestWorkerStartTwiceFails(t *testing.T) {
	tree := newTestTree(t)
	w := NewWorker(queue.NewRingQueue(4, nil), tree, WorkerConfig{})
	require.NoError(t, w.Start())
	defer w.Stop()
	require.ErrorIs(t, w.Start(), ErrAlreadyRunning)
}

func TestWorkerHealthAfterStop(t *testing.T) {
	tree := newTestTree(t)
	w := NewWorker(queue.NewRingQueue(4, nil), tree, WorkerConfig{})
	require.NoError(t, w.Start())
	require.True(t, w.Health())
	w.Stop()
	require.False(t, w.Health())
}

func TestWorkerDLQStrategyOnPersistentFailure(t *testing.T) {
	tree := newTestTree(t)
	ring := queue.NewRingQueue(8, nil)
	var released [][]byte
	w := NewWorker(ring, tree, WorkerConfig{
		ErrorStrategy: DLQ,
		MaxRetries:    0,
		ReleaseKey:    func(b []byte) { released = append(released, b) },
	})

	// Pre-populate a unique index whose violation makes every put with the
	// colliding key fail deterministically, forcing the DLQ path.
	require.NoError(t, tree.AddIndex(store.IndexConfig{
		Name:        "by_value",
		ExtractorID: 1,
		Unique:      true,
		Extract: func(value []byte, _ []byte) (bool, []byte, error) {
			return true, []byte("same-for-all"), nil
		},
	}))

	require.NoError(t, w.Start())
	defer w.Stop()

	ring.Enqueue([]byte("first"), []byte("v1"))
	require.Eventually(t, func() bool { return w.Snapshot().TotalItemsProcessed >= 1 }, time.Second, time.Millisecond)

	ring.Enqueue([]byte("second"), []byte("v2"))

	require.Eventually(t, func() bool {
		return w.DrainDeadLetters() != nil
	}, time.Second, time.Millisecond)
}

// TestWorkerEveryTenthItemDLQs drives scenario S5 (spec.md §8): 100 items
// where every 10th fails, strategy DLQ. Expects 90 successes, 10 dead
// letters, and exactly 90 rows committed to the tree.
func TestWorkerEveryTenthItemDLQs(t *testing.T) {
	tree := newTestTree(t)
	ring := queue.NewRingQueue(128, nil)
	w := NewWorker(ring, tree, WorkerConfig{
		ErrorStrategy: DLQ,
		MaxRetries:    0,
	})

	// Every value prefixed "poison" collides on the same extracted index
	// key; every other value extracts to itself, so distinct successes
	// never collide with one another.
	require.NoError(t, tree.AddIndex(store.IndexConfig{
		Name:        "by_value",
		ExtractorID: 1,
		Unique:      true,
		Extract: func(value []byte, _ []byte) (bool, []byte, error) {
			if len(value) >= len("poison") && string(value[:len("poison")]) == "poison" {
				return true, []byte("poison"), nil
			}
			return true, value, nil
		},
	}))

	// Seed the unique index's "poison" slot under a primary key distinct
	// from every item below, so every poisoned item collides from the
	// start rather than only the second-and-later ones.
	tx, err := tree.Begin(true)
	require.NoError(t, err)
	require.NoError(t, tx.Put([]byte("seed"), []byte("poison-seed")))
	require.NoError(t, tx.Commit())

	require.NoError(t, w.Start())
	defer w.Stop()

	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("k%03d", i))
		var value []byte
		if (i+1)%10 == 0 {
			value = []byte(fmt.Sprintf("poison-%03d", i))
		} else {
			value = []byte(fmt.Sprintf("ok-%03d", i))
		}
		require.True(t, ring.Enqueue(key, value))
	}

	require.Eventually(t, func() bool {
		return w.Snapshot().TotalItemsProcessed == 100
	}, 2*time.Second, time.Millisecond)

	dead := w.DrainDeadLetters()
	require.Len(t, dead, 10)

	// Remove the scaffolding seed row so the final count reflects only
	// what the worker itself committed.
	dtx, err := tree.Begin(true)
	require.NoError(t, err)
	seedDeleted, err := dtx.Delete([]byte("seed"))
	require.NoError(t, err)
	require.True(t, seedDeleted)
	require.NoError(t, dtx.Commit())

	rtx, err := tree.Begin(false)
	require.NoError(t, err)
	defer rtx.Abort()
	count := 0
	require.NoError(t, rtx.ScanRange(nil, nil, func(k, v []byte) bool {
		count++
		return true
	}))
	require.Equal(t, 90, count)
}
