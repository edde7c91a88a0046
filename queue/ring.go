package queue

import (
	"sync"
	"sync/atomic"
)

// RingEntry is the (key, value) pointer pair carried by RingQueue. The
// queue never copies the underlying bytes; ownership stays with the
// producer until the consumer releases them after a SwapBuffer (spec §4.3).
type RingEntry struct {
	Key   []byte
	Value []byte
}

// OnRingFullFunc is invoked, outside the lock, when Enqueue finds the ring
// full.
type OnRingFullFunc func(key, value []byte)

// RingSnapshot is the detached array SwapBuffer hands to the consumer: the
// live entries occupy indices [HeadOffset, HeadOffset+Count) modulo
// Capacity.
type RingSnapshot struct {
	Entries    []RingEntry
	Capacity   int
	Count      int
	HeadOffset int
}

func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// RingQueue is the power-of-two-capacity zero-copy MPSC queue from spec
// §4.3, grounded on the teacher's rotating Row buffer but never copying key
// or value payloads — only the (key, value) slice headers move.
type RingQueue struct {
	mu       sync.Mutex
	nonEmpty *sync.Cond
	empty    *sync.Cond

	entries  []RingEntry
	capacity int
	mask     int
	tail     int

	depth   int64 // atomic
	flushed int32 // atomic

	onFull OnRingFullFunc
}

// NewRingQueue creates a ring rounded up to the next power of two >=
// capacity.
func NewRingQueue(capacity int, onFull OnRingFullFunc) *RingQueue {
	cap := nextPowerOfTwo(capacity)
	r := &RingQueue{
		entries:  make([]RingEntry, cap),
		capacity: cap,
		mask:     cap - 1,
		onFull:   onFull,
	}
	r.nonEmpty = sync.NewCond(&r.mu)
	r.empty = sync.NewCond(&r.mu)
	return r
}

// Enqueue writes (key, value) at the tail slot. It fails (returns false)
// once flushed, or once the ring is full after invoking onFull outside the
// lock.
func (r *RingQueue) Enqueue(key, value []byte) bool {
	r.mu.Lock()
	if atomic.LoadInt32(&r.flushed) != 0 {
		r.mu.Unlock()
		return false
	}
	if int(atomic.LoadInt64(&r.depth)) >= r.capacity {
		r.mu.Unlock()
		if r.onFull != nil {
			r.onFull(key, value)
		}
		return false
	}
	r.entries[r.tail&r.mask] = RingEntry{Key: key, Value: value}
	r.tail++
	atomic.AddInt64(&r.depth, 1)
	r.nonEmpty.Signal()
	r.mu.Unlock()
	return true
}

// Depth returns the number of entries currently queued.
func (r *RingQueue) Depth() int64 { return atomic.LoadInt64(&r.depth) }

// Capacity returns the ring's current capacity.
func (r *RingQueue) Capacity() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.capacity
}

// WaitNonEmpty blocks until either an entry is available or the queue has
// been flushed, returning whether an entry is actually available.
func (r *RingQueue) WaitNonEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for atomic.LoadInt64(&r.depth) == 0 && atomic.LoadInt32(&r.flushed) == 0 {
		r.nonEmpty.Wait()
	}
	return atomic.LoadInt64(&r.depth) > 0
}

// Flush marks the queue flushed and wakes every waiter on both conditions.
func (r *RingQueue) Flush() {
	r.mu.Lock()
	atomic.StoreInt32(&r.flushed, 1)
	r.nonEmpty.Broadcast()
	r.empty.Broadcast()
	r.mu.Unlock()
}

// Drain blocks until the queue's depth reaches zero.
func (r *RingQueue) Drain() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for atomic.LoadInt64(&r.depth) != 0 {
		r.empty.Wait()
	}
}

// SwapBuffer atomically detaches the internal array and replaces it with a
// fresh empty one, rounded up to the next power of two (0 keeps the current
// size). The detached snapshot's entries occupy [0, Count) — this binding
// only ever drains the ring wholesale, so HeadOffset is always 0 and the
// live range never wraps.
func (r *RingQueue) SwapBuffer(newCapacity int) RingSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := RingSnapshot{
		Entries:    r.entries,
		Capacity:   r.capacity,
		Count:      int(atomic.LoadInt64(&r.depth)),
		HeadOffset: 0,
	}

	cap := r.capacity
	if newCapacity > 0 {
		cap = nextPowerOfTwo(newCapacity)
	}
	r.entries = make([]RingEntry, cap)
	r.capacity = cap
	r.mask = cap - 1
	r.tail = 0
	atomic.StoreInt64(&r.depth, 0)
	r.empty.Broadcast()

	return snap
}
