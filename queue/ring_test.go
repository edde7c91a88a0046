package queue

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stretchr/testify/require"
)

func TestRingQueueRoundsCapacityToPowerOfTwo(t *testing.T) {
	r := NewRingQueue(5, nil)
	require.Equal(t, 8, r.Capacity())
}

func TestRingQueueEnqueueFullInvokesOnFull(t *testing.T) {
	var calls int32
	r := NewRingQueue(1, func(key, value []byte) { atomic.AddInt32(&calls, 1) })
	require.True(t, r.Enqueue([]byte("a"), []byte("1")))
	require.False(t, r.Enqueue([]byte("b"), []byte("2")))
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRingQueueSwapBufferIsFIFO(t *testing.T) {
	r := NewRingQueue(8, nil)
	for i := 0; i < 5; i++ {
		require.True(t, r.Enqueue([]byte(fmt.Sprintf("k%d", i)), []byte(fmt.Sprintf("v%d", i))))
	}
	require.Equal(t, int64(5), r.Depth())

	snap := r.SwapBuffer(0)
	require.Equal(t, 5, snap.Count)
	require.Equal(t, 0, snap.HeadOffset)
	for i := 0; i < snap.Count; i++ {
		e := snap.Entries[(snap.HeadOffset+i)&(snap.Capacity-1)]
		require.Equal(t, fmt.Sprintf("k%d", i), string(e.Key))
		require.Equal(t, fmt.Sprintf("v%d", i), string(e.Value))
	}
	require.Equal(t, int64(0), r.Depth())
}

func TestRingQueueFlushWakesWaiter(t *testing.T) {
	r := NewRingQueue(4, nil)
	done := make(chan bool, 1)
	go func() { done <- r.WaitNonEmpty() }()

	require.Eventually(t, func() bool { return true }, 10*time.Millisecond, time.Millisecond)
	r.Flush()

	select {
	case hasItem := <-done:
		require.False(t, hasItem)
	case <-time.After(time.Second):
		t.Fatal("WaitNonEmpty did not wake on Flush")
	}
}

func TestRingQueueDrainWaitsForEmpty(t *testing.T) {
	r := NewRingQueue(4, nil)
	require.True(t, r.Enqueue([]byte("k"), []byte("v")))

	drained := make(chan struct{})
	go func() {
		r.Drain()
		close(drained)
	}()

	select {
	case <-drained:
		t.Fatal("Drain returned before queue was emptied")
	case <-time.After(20 * time.Millisecond):
	}

	r.SwapBuffer(0)
	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("Drain did not return after SwapBuffer emptied the ring")
	}
}

// TestRingQueueProducerStress mirrors spec S4 against the zero-copy ring.
func TestRingQueueProducerStress(t *testing.T) {
	r := NewRingQueue(64, nil)
	const producers = 4
	const perProducer = 1000

	var g errgroup.Group
	for p := 0; p < producers; p++ {
		p := p
		g.Go(func() error {
			for i := 0; i < perProducer; i++ {
				key := []byte(fmt.Sprintf("p%d-%d", p, i))
				for !r.Enqueue(key, key) {
					time.Sleep(time.Microsecond)
				}
			}
			return nil
		})
	}
	var total int
	require.Eventually(t, func() bool {
		snap := r.SwapBuffer(0)
		total += snap.Count
		return total == producers*perProducer
	}, 5*time.Second, time.Millisecond)
	require.NoError(t, g.Wait())

	require.Equal(t, int64(0), r.Depth())
}
