package ingest

import (
	"sync"

	slab "github.com/couchbase/go-slab"
	"github.com/google/uuid"
)

// DLQEntry is one item that exhausted its retry budget and was moved to the
// dead-letter list, along with the error that caused it to fail.
type DLQEntry struct {
	ID    string
	Key   []byte
	Value []byte
	Cause error
}

// deadLetterQueue holds items a Worker could not commit after retrying, for
// later inspection or replay. Key/value bytes are copied into a go-slab
// arena rather than plain make([]byte, ...) allocations: the ring queue
// (C3) only lends the worker borrowed pointers that become invalid once
// release callbacks run, so anything surviving past that point needs an
// owned copy, and the arena reuses freed slabs instead of growing the heap
// on every failure.
type deadLetterQueue struct {
	mu      sync.Mutex
	arena   *slab.Arena
	entries []DLQEntry
}

func newDeadLetterQueue() *deadLetterQueue {
	return &deadLetterQueue{
		arena: slab.NewArena(64, 1024*1024, 1.25, nil),
	}
}

// Add copies key/value into arena-backed buffers and appends a new entry.
func (q *deadLetterQueue) Add(key, value []byte, cause error) DLQEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry := DLQEntry{ID: uuid.NewString(), Key: q.copyInto(key), Value: q.copyInto(value), Cause: cause}
	q.entries = append(q.entries, entry)
	return entry
}

// copyInto allocates an arena-backed copy of b, or returns nil for an empty
// input rather than asking the arena for a zero-size allocation.
func (q *deadLetterQueue) copyInto(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	cp := q.arena.Alloc(len(b))
	copy(cp, b)
	return cp
}

// Depth returns the number of items currently held.
func (q *deadLetterQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Drain returns every held entry and empties the queue. Callers that are
// done with a drained entry should call Release to return its buffers to
// the arena.
func (q *deadLetterQueue) Drain() []DLQEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.entries
	q.entries = nil
	return out
}

// Release returns e's key/value buffers to the arena.
func (q *deadLetterQueue) Release(e DLQEntry) {
	if e.Key != nil {
		q.arena.DecRef(e.Key)
	}
	if e.Value != nil {
		q.arena.DecRef(e.Value)
	}
}
