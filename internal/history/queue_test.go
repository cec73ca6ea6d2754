package history

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gateSink blocks every Send until open is closed.
type gateSink struct {
	recordingSink
	open chan struct{}
}

func (g *gateSink) Send(ctx context.Context, e Event) error {
	select {
	case <-g.open:
	case <-ctx.Done():
		return ctx.Err()
	}
	return g.recordingSink.Send(ctx, e)
}

func TestQueueEmitDoesNotWaitForSinks(t *testing.T) {
	sink := &gateSink{open: make(chan struct{})}
	q := NewQueue(NewFanout(nil, sink), 8)

	begin := time.Now()
	for _, typ := range []EventType{EventStart, EventRestart, EventStop} {
		assert.True(t, q.Emit(Event{Type: typ, Record: Record{Service: "a"}}))
	}
	assert.Less(t, time.Since(begin), 100*time.Millisecond)

	close(sink.open)
	q.Close()
	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.events, 3)
	assert.Equal(t, EventStart, sink.events[0].Type)
	assert.Equal(t, EventStop, sink.events[2].Type)
}

func TestQueueDropsWhenFullAndAfterClose(t *testing.T) {
	sink := &gateSink{open: make(chan struct{})}
	q := NewQueue(NewFanout(nil, sink), 1)

	accepted := 0
	for n := 0; n < 5; n++ {
		if q.Emit(Event{Type: EventStart, Record: Record{Service: "a"}}) {
			accepted++
		}
	}
	assert.Less(t, accepted, 5)

	close(sink.open)
	q.Close()
	q.Close()
	assert.False(t, q.Emit(Event{Type: EventStop}))

	var nilQueue *Queue
	assert.False(t, nilQueue.Emit(Event{}))
	nilQueue.Close()
}
