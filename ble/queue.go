package ble

import (
	"sync"

	"github.com/user/herald-blue/logger"
)

// DispatchQueue runs submitted functions one at a time, in submission
// order, on a single goroutine it owns. Async never blocks the caller, so
// platform callbacks can hand work to a component without waiting on it.
type DispatchQueue struct {
	name string
	log  *logger.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	pending []func()
	closed  bool
	done    chan struct{}
}

// NewDispatchQueue starts a queue goroutine
func NewDispatchQueue(name string, log *logger.Logger) *DispatchQueue {
	if log == nil {
		log = logger.Discard()
	}
	q := &DispatchQueue{
		name: name,
		log:  log.With("queue", name),
		done: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.loop()
	return q
}

func (q *DispatchQueue) loop() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		fn := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		q.run(fn)
	}
}

func (q *DispatchQueue) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("task panicked: %v", r)
		}
	}()
	fn()
}

// Async enqueues fn. Returns false once the queue is closed.
func (q *DispatchQueue) Async(fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.pending = append(q.pending, fn)
	q.cond.Signal()
	return true
}

// Sync enqueues fn and waits for it to finish. It must not be called from
// the queue's own goroutine.
func (q *DispatchQueue) Sync(fn func()) bool {
	finished := make(chan struct{})
	if !q.Async(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}
	<-finished
	return true
}

// Close stops accepting work, lets already queued work finish and waits
// for the goroutine to exit
func (q *DispatchQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
	<-q.done
}
