package conference

import (
	"fmt"
	"log/slog"
	"sync"
)

// queueBuffer bounds how many tasks may be pending per conference. Overflow
// drops the task and logs; callers using Call get an error instead.
const queueBuffer = 512

var errQueueClosed = fmt.Errorf("conference queue closed")

// taskQueue serializes all mutations of one conference's state. External
// callers (IQ handlers, MUC callbacks, admin API) enqueue tasks; the single
// loop goroutine runs them in order.
type taskQueue struct {
	tasks chan func()

	closeOnce sync.Once
	closed    chan struct{}
	drained   chan struct{}
}

func newTaskQueue(name string) *taskQueue {
	q := &taskQueue{
		tasks:   make(chan func(), queueBuffer),
		closed:  make(chan struct{}),
		drained: make(chan struct{}),
	}
	go q.loop(name)
	return q
}

// loop is the conference's main loop. If this function returns, the
// conference is over.
func (q *taskQueue) loop(name string) {
	defer close(q.drained)
	for {
		select {
		case task := <-q.tasks:
			task()
		case <-q.closed:
			// Run out whatever was enqueued before the close.
			for {
				select {
				case task := <-q.tasks:
					task()
				default:
					return
				}
			}
		}
	}
}

// Enqueue schedules a task without waiting for it.
func (q *taskQueue) Enqueue(task func()) {
	select {
	case <-q.closed:
		return
	default:
	}
	select {
	case q.tasks <- task:
	default:
		slog.Error("[Conference] Task queue overflow, dropping task")
	}
}

// Call runs the task on the queue and waits for its result. Must not be used
// from within a queued task; tasks schedule follow-ups with Enqueue.
func (q *taskQueue) Call(task func() error) error {
	done := make(chan error, 1)
	select {
	case <-q.closed:
		return errQueueClosed
	case q.tasks <- func() { done <- task() }:
	}
	select {
	case err := <-done:
		return err
	case <-q.drained:
		// Tasks enqueued before the close still ran; a missing result means
		// the queue died first.
		select {
		case err := <-done:
			return err
		default:
			return errQueueClosed
		}
	}
}

// Close stops the loop after draining already-enqueued tasks.
func (q *taskQueue) Close() {
	q.closeOnce.Do(func() { close(q.closed) })
}
