package history

import (
	"context"
	"sync"
)

// DefaultQueueSize is the number of events a Queue buffers before dropping.
const DefaultQueueSize = 256

// Queue hands events to a Fanout from a single goroutine so emitters never
// wait on slow sinks. Order is preserved. When the buffer is full the event
// is dropped and logged.
type Queue struct {
	out  *Fanout
	ch   chan Event
	done chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewQueue starts the delivery goroutine. size <= 0 uses DefaultQueueSize.
func NewQueue(out *Fanout, size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	q := &Queue{out: out, ch: make(chan Event, size), done: make(chan struct{})}
	go q.run()
	return q
}

func (q *Queue) run() {
	defer close(q.done)
	for e := range q.ch {
		q.out.Emit(context.Background(), e)
	}
}

// Emit enqueues e without blocking. It reports whether e was accepted.
func (q *Queue) Emit(e Event) bool {
	if q == nil {
		return false
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	select {
	case q.ch <- e:
		return true
	default:
		q.out.logger.Warn("History queue full, dropping event", "event", e.Type, "service", e.Record.Service)
		return false
	}
}

// Close stops accepting events and waits until the buffered ones have been
// delivered. It does not close the sinks.
func (q *Queue) Close() {
	if q == nil {
		return
	}
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()
	<-q.done
}
