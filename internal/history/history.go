// Package history exports service lifecycle events to external systems.
package history

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart     EventType = "start"
	EventStop      EventType = "stop"
	EventRestart   EventType = "restart"
	EventUnhealthy EventType = "unhealthy"
	EventFailed    EventType = "failed"
)

// Record is the service snapshot attached to an event. Tokens and environment
// values are never part of it.
type Record struct {
	Service      string `json:"service"`
	RunID        string `json:"run_id,omitempty"`
	PID          int    `json:"pid"`
	Port         int    `json:"port,omitempty"`
	State        string `json:"state"`
	RestartCount int    `json:"restart_count"`
	Reason       string `json:"reason,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Fanout delivers each event to every sink. A failing sink is logged and does
// not prevent delivery to the others.
type Fanout struct {
	sinks   []Sink
	timeout time.Duration
	logger  *slog.Logger
}

func NewFanout(logger *slog.Logger, sinks ...Sink) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{sinks: append([]Sink(nil), sinks...), timeout: 5 * time.Second, logger: logger}
}

func (f *Fanout) Len() int {
	if f == nil {
		return 0
	}
	return len(f.sinks)
}

// Emit sends e to all sinks, bounding each send by the fanout timeout.
func (f *Fanout) Emit(ctx context.Context, e Event) {
	if f.Len() == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	for _, s := range f.sinks {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
		if err := s.Send(sctx, e); err != nil {
			f.logger.Warn("History sink send failed", "event", e.Type, "service", e.Record.Service, "error", err)
		}
		cancel()
	}
}

// Close closes every sink that implements io.Closer.
func (f *Fanout) Close() error {
	if f == nil {
		return nil
	}
	var errs []error
	for _, s := range f.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
