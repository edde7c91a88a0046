package queue

import (
	"errors"
	"sync"
)

// ErrConsumerRunning is returned by DoubleBuffer.StartConsumer when a
// consumer goroutine is already active.
var ErrConsumerRunning = errors.New("queue: consumer already running")

// OnFullFunc is invoked, outside the buffer's lock, when Push finds the
// active buffer full.
type OnFullFunc[T any] func(entry T)

// FreeFunc releases resources owned by an entry still queued at Destroy
// time.
type FreeFunc[T any] func(entry T)

// DoubleBuffer is the bounded, pointer-passing MPSC queue from spec §4.2:
// two StagingBuffers (active/spare) swapped wholesale so the consumer never
// holds the producer-facing lock while processing a batch.
type DoubleBuffer[T any] struct {
	mu       sync.Mutex
	nonEmpty *sync.Cond
	empty    *sync.Cond

	active *StagingBuffer[T]
	spare  *StagingBuffer[T]

	onFull  OnFullFunc[T]
	running bool
	done    chan struct{}
}

// NewDoubleBuffer creates a double buffer whose active/spare staging
// buffers each hold up to capacity entries.
func NewDoubleBuffer[T any](capacity int, onFull OnFullFunc[T]) *DoubleBuffer[T] {
	d := &DoubleBuffer[T]{
		active: NewStagingBuffer[T](capacity),
		spare:  NewStagingBuffer[T](capacity),
		onFull: onFull,
	}
	d.nonEmpty = sync.NewCond(&d.mu)
	d.empty = sync.NewCond(&d.mu)
	return d
}

// Push copies entry into the active buffer. It returns false (not an
// error) when the active buffer is full, after invoking onFull outside the
// lock, matching spec §4.2's "non-fatal" full signal.
func (d *DoubleBuffer[T]) Push(entry T) bool {
	d.mu.Lock()
	if d.active.IsFull() {
		d.mu.Unlock()
		if d.onFull != nil {
			d.onFull(entry)
		}
		return false
	}
	_ = d.active.Push(entry)
	d.nonEmpty.Signal()
	d.mu.Unlock()
	return true
}

// Depth reads the active buffer's current entry count.
func (d *DoubleBuffer[T]) Depth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active.Count()
}

// StartConsumer spawns the single worker goroutine that drains this queue.
// A second call while one is already running fails with ErrConsumerRunning.
func (d *DoubleBuffer[T]) StartConsumer(consumer ConsumerFunc[T], errorHandler ErrorHandlerFunc[T]) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return ErrConsumerRunning
	}
	d.running = true
	d.done = make(chan struct{})
	d.mu.Unlock()

	go d.workerLoop(consumer, errorHandler)
	return nil
}

// workerLoop implements spec §4.2's four-step worker loop.
func (d *DoubleBuffer[T]) workerLoop(consumer ConsumerFunc[T], errorHandler ErrorHandlerFunc[T]) {
	defer close(d.done)
	for {
		d.mu.Lock()
		for d.active.IsEmpty() && d.running {
			d.nonEmpty.Wait()
		}
		if !d.running && d.active.IsEmpty() {
			d.mu.Unlock()
			return
		}

		d.active, d.spare = d.spare, d.active
		processing := d.spare
		d.empty.Broadcast()
		d.mu.Unlock()

		processing.Consume(consumer, errorHandler)
		processing.reset()

		d.mu.Lock()
		if d.active.IsEmpty() {
			d.empty.Broadcast()
		}
		d.mu.Unlock()
	}
}

// StopConsumer asks the worker goroutine to exit once its current pass
// finishes, and blocks until it has.
func (d *DoubleBuffer[T]) StopConsumer() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.nonEmpty.Broadcast()
	done := d.done
	d.mu.Unlock()
	<-done
}

// Destroy stops the consumer, then frees every entry still held in either
// buffer via free.
func (d *DoubleBuffer[T]) Destroy(free FreeFunc[T]) {
	d.StopConsumer()
	d.mu.Lock()
	defer d.mu.Unlock()
	if free != nil {
		for _, e := range d.active.entries {
			free(e)
		}
		for _, e := range d.spare.entries {
			free(e)
		}
	}
	d.active.reset()
	d.spare.reset()
}
