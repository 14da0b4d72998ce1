// Package dispatch provides a serialized execution context: a FIFO of units of
// work drained by a single goroutine. Each unit runs to completion before the
// next begins, so state touched only from units needs no locking.
package dispatch

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"tools.zach/dev/inputbridge/internal/logger"
)

// Queue is a serialized FIFO executor. The zero value is not usable; create
// one with [New]. The draining goroutine is started lazily by the first
// [Queue.Enqueue], [Queue.Sync] or [Queue.Detach].
type Queue struct {
	log *slog.Logger

	mu       sync.Mutex
	tasks    []func()
	detached bool

	// wake is signalled whenever tasks grows.
	wake chan struct{}
	// done is closed when the draining goroutine exits.
	done  chan struct{}
	start sync.Once
}

// New creates an idle Queue.
func New(log *slog.Logger) *Queue {
	if log == nil {
		log = logger.Discard()
	}
	return &Queue{
		log:  log,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Enqueue appends fn to the queue. It returns false, without running fn, once
// the queue has been detached.
func (q *Queue) Enqueue(fn func()) bool {
	q.mu.Lock()
	if q.detached {
		q.mu.Unlock()
		return false
	}
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()

	q.ensureStarted()
	q.signal()
	return true
}

// Sync runs fn on the queue and waits for it to finish. It returns false if
// the queue was already detached. Sync must not be called from a unit running
// on the same queue.
func (q *Queue) Sync(fn func()) bool {
	ran := make(chan struct{})
	if !q.Enqueue(func() {
		defer close(ran)
		fn()
	}) {
		return false
	}
	select {
	case <-ran:
	case <-q.done:
	}
	return true
}

// Detach enqueues final behind every unit already queued, waits for it to
// run, and stops the queue. Units enqueued afterwards are dropped. A second
// Detach only waits for the first to finish. Detach must not be called from
// a unit running on the same queue.
func (q *Queue) Detach(final func()) {
	q.mu.Lock()
	if q.detached {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.detached = true
	if final != nil {
		q.tasks = append(q.tasks, final)
	}
	q.mu.Unlock()

	q.ensureStarted()
	q.signal()
	<-q.done
}

// Detached reports whether Detach has been called.
func (q *Queue) Detached() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.detached
}

func (q *Queue) ensureStarted() {
	q.start.Do(func() { go q.run() })
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// run drains the queue until it is detached and empty.
func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		batch := q.tasks
		q.tasks = nil
		last := q.detached && len(batch) == 0
		q.mu.Unlock()

		if last {
			return
		}
		if len(batch) == 0 {
			<-q.wake
			continue
		}
		for _, fn := range batch {
			q.invoke(fn)
		}
	}
}

// invoke runs fn, converting a panic into a log line so one faulty unit does
// not take down the execution context.
func (q *Queue) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("dispatch unit panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	fn()
}
