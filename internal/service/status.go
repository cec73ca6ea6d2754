package service

import (
	"time"

	"github.com/loykin/edgevisor/internal/health"
)

// Status is an immutable snapshot of an Instance. It never carries the token.
type Status struct {
	Name                string         `json:"name"`
	State               State          `json:"state"`
	PID                 int            `json:"pid"`
	Port                int            `json:"port"`
	RestartCount        int            `json:"restart_count"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	StartedAt           time.Time      `json:"started_at,omitzero"`
	LastCheck           time.Time      `json:"last_check,omitzero"`
	LastResult          *health.Result `json:"last_result,omitempty"`
	LastError           string         `json:"last_error,omitempty"`
	RunID               string         `json:"run_id,omitempty"`
	Required            bool           `json:"required"`
}

// Transition is reported to Options.OnTransition after the instance lock is
// released. Status is the snapshot taken right after the change.
type Transition struct {
	From   State
	To     State
	Reason string
	Status Status
}
