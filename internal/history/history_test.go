package history

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
}

func (r *recordingSink) Send(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recordingSink) Close() error {
	r.closed = true
	return nil
}

func TestEventJSONShape(t *testing.T) {
	e := Event{
		Type:       EventRestart,
		OccurredAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Record:     Record{Service: "auth", RunID: "r1", PID: 42, Port: 8001, State: "restarting", RestartCount: 1},
	}
	b, err := json.Marshal(e)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, "restart", m["type"])
	rec := m["record"].(map[string]any)
	assert.Equal(t, "auth", rec["service"])
	assert.Equal(t, float64(8001), rec["port"])
	assert.NotContains(t, rec, "reason")
}

func TestFanoutDeliversToAllSinks(t *testing.T) {
	bad := &recordingSink{err: errors.New("boom")}
	good := &recordingSink{}
	f := NewFanout(nil, bad, good)
	assert.Equal(t, 2, f.Len())

	f.Emit(context.Background(), Event{Type: EventStart, Record: Record{Service: "a"}})

	require.Len(t, good.events, 1)
	require.Len(t, bad.events, 1)
	assert.False(t, good.events[0].OccurredAt.IsZero())

	require.NoError(t, f.Close())
	assert.True(t, good.closed)
	assert.True(t, bad.closed)
}

func TestNilFanoutIsNoop(t *testing.T) {
	var f *Fanout
	assert.Equal(t, 0, f.Len())
	f.Emit(context.Background(), Event{Type: EventStop})
	assert.NoError(t, f.Close())
}

func TestFanoutIgnoresCallerCancellation(t *testing.T) {
	s := &recordingSink{}
	f := NewFanout(nil, s)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.Emit(ctx, Event{Type: EventFailed, Record: Record{Service: "x"}})
	assert.Len(t, s.events, 1)
}
