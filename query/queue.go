package query

import (
	"errors"
	"sync/atomic"
	"time"

	"code.hybscloud.com/lfq"
	"code.hybscloud.com/spin"
)

// errQueueClosed is returned by enqueue once the queue stops accepting work.
var errQueueClosed = errors.New(`query: task queue closed`)

// taskQueue is a bounded MPMC task queue. The fast path is the lock-free
// queue; producers block (backpressure) when the queue is full, consumers
// park when it is empty. Wakeups are edge-triggered over 1-buffered
// channels, with a short poll fallback so a lost edge never deadlocks.
type taskQueue struct {
	q        *lfq.MPMC[Task]
	nonEmpty chan struct{}
	nonFull  chan struct{}
	closed   atomic.Bool
	size     atomic.Int64
}

const queueWakeupPoll = 5 * time.Millisecond

func newTaskQueue(capacity int) *taskQueue {
	return &taskQueue{
		q:        lfq.NewMPMC[Task](capacity),
		nonEmpty: make(chan struct{}, 1),
		nonFull:  make(chan struct{}, 1),
	}
}

func (x *taskQueue) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// enqueue adds a task, blocking while the queue is full. It fails only once
// the queue is closed.
func (x *taskQueue) enqueue(task Task) error {
	sw := spin.Wait{}
	for {
		if x.closed.Load() {
			return errQueueClosed
		}
		if err := x.q.Enqueue(&task); err == nil {
			x.size.Add(1)
			x.signal(x.nonEmpty)
			return nil
		}
		sw.Once()
		select {
		case <-x.nonFull:
		case <-time.After(queueWakeupPoll):
		}
	}
}

// dequeue removes a task, waiting up to wait while the queue is empty.
func (x *taskQueue) dequeue(wait time.Duration) (Task, bool) {
	if task, err := x.q.Dequeue(); err == nil {
		x.size.Add(-1)
		x.signal(x.nonFull)
		return task, true
	}
	if wait <= 0 {
		return Task{}, false
	}
	select {
	case <-x.nonEmpty:
	case <-time.After(wait):
	}
	if task, err := x.q.Dequeue(); err == nil {
		x.size.Add(-1)
		x.signal(x.nonFull)
		return task, true
	}
	return Task{}, false
}

// len returns the approximate queue occupancy.
func (x *taskQueue) len() int {
	if n := x.size.Load(); n > 0 {
		return int(n)
	}
	return 0
}

// close stops accepting work and lets consumers drain the remainder.
func (x *taskQueue) close() {
	if x.closed.CompareAndSwap(false, true) {
		x.q.Drain()
		x.signal(x.nonEmpty)
	}
}
