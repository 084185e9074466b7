// Package framequeue provides the bounded FIFO that decouples capture cadence
// from write cadence.
//
// Architecture:
//   - Fixed-capacity ring buffer (capacity set at construction)
//   - Two condition variables on one mutex (notFull for producers, notEmpty for consumers)
//   - Timeouts via time.AfterFunc + Broadcast (waiters sleep, no polling)
//   - Drop accounting: every Enqueue that times out on a full queue is counted
//
// A slow consumer makes the producer's Enqueue fail after its timeout instead of
// growing memory. The frame handed to Enqueue belongs to the queue from then on;
// callers must not touch its Data afterwards.
package framequeue

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/care/orion-recorder/internal/types"
)

// Forever disables the timeout of Enqueue/Dequeue.
const Forever time.Duration = -1

var (
	// ErrTimeout is returned when the queue stayed full (Enqueue) or empty
	// (Dequeue) for the whole timeout.
	ErrTimeout = errors.New("framequeue: timeout")
	// ErrClosed is returned after Close. Dequeue returns it only once the
	// buffered frames are drained.
	ErrClosed = errors.New("framequeue: closed")
)

// Stats is a snapshot of queue counters
type Stats struct {
	Enqueued uint64
	Dequeued uint64
	Dropped  uint64
	Len      int
	Capacity int
}

// Queue is a bounded FIFO of frames with blocking, timeout-capable operations.
//
// Thread-safety: all methods are safe for concurrent use.
type Queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	buf    []types.Frame
	head   int
	count  int
	closed bool

	enqueued atomic.Uint64
	dequeued atomic.Uint64
	dropped  atomic.Uint64
}

// New creates a queue holding at most capacity frames (minimum 1).
func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue{buf: make([]types.Frame, capacity)}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends frame, waiting up to timeout for a free slot.
//
// Semantics:
//   - timeout == 0: try once
//   - timeout < 0: wait until space or Close
//   - full for the whole timeout: returns ErrTimeout, Dropped is incremented
//   - closed: returns ErrClosed
func (q *Queue) Enqueue(frame types.Frame, timeout time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var (
		expired bool
		timer   *time.Timer
	)
	for !q.closed && q.count == len(q.buf) {
		if timeout == 0 || expired {
			q.dropped.Add(1)
			return ErrTimeout
		}
		if timeout > 0 && timer == nil {
			timer = q.wakeAfter(timeout, q.notFull, &expired)
			defer timer.Stop()
		}
		q.notFull.Wait()
	}
	if q.closed {
		return ErrClosed
	}

	q.buf[(q.head+q.count)%len(q.buf)] = frame
	q.count++
	q.enqueued.Add(1)
	q.notEmpty.Signal()
	return nil
}

// Dequeue removes the oldest frame, waiting up to timeout for one to arrive.
//
// Semantics:
//   - timeout == 0: try once
//   - timeout < 0: wait until a frame or Close
//   - empty for the whole timeout: returns ErrTimeout
//   - closed and drained: returns ErrClosed
func (q *Queue) Dequeue(timeout time.Duration) (types.Frame, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var (
		expired bool
		timer   *time.Timer
	)
	for q.count == 0 {
		if q.closed {
			return types.Frame{}, ErrClosed
		}
		if timeout == 0 || expired {
			return types.Frame{}, ErrTimeout
		}
		if timeout > 0 && timer == nil {
			timer = q.wakeAfter(timeout, q.notEmpty, &expired)
			defer timer.Stop()
		}
		q.notEmpty.Wait()
	}

	frame := q.buf[q.head]
	q.buf[q.head] = types.Frame{} // release the reference held by the ring
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	q.dequeued.Add(1)
	q.notFull.Signal()
	return frame, nil
}

// TryDequeue removes the oldest frame without waiting.
func (q *Queue) TryDequeue() (types.Frame, bool) {
	frame, err := q.Dequeue(0)
	return frame, err == nil
}

// wakeAfter arms a timer that marks expired and wakes every waiter on cond.
// Must be called with q.mu held; the callback takes the lock itself.
func (q *Queue) wakeAfter(timeout time.Duration, cond *sync.Cond, expired *bool) *time.Timer {
	return time.AfterFunc(timeout, func() {
		q.mu.Lock()
		*expired = true
		q.mu.Unlock()
		cond.Broadcast()
	})
}

// Close wakes all waiters. Further Enqueue calls fail with ErrClosed; Dequeue
// keeps returning buffered frames until empty. Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// Len returns the number of buffered frames
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the fixed capacity
func (q *Queue) Cap() int {
	return len(q.buf)
}

// Stats returns a snapshot of the queue counters
func (q *Queue) Stats() Stats {
	return Stats{
		Enqueued: q.enqueued.Load(),
		Dequeued: q.dequeued.Load(),
		Dropped:  q.dropped.Load(),
		Len:      q.Len(),
		Capacity: len(q.buf),
	}
}
