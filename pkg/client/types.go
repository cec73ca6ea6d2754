package client

import "time"

// ServiceStatus is the daemon's snapshot of one service.
type ServiceStatus struct {
	Name                string        `json:"name" yaml:"name"`
	State               string        `json:"state" yaml:"state"`
	PID                 int           `json:"pid" yaml:"pid"`
	Port                int           `json:"port" yaml:"port"`
	RestartCount        int           `json:"restart_count" yaml:"restart_count"`
	ConsecutiveFailures int           `json:"consecutive_failures" yaml:"consecutive_failures"`
	StartedAt           time.Time     `json:"started_at,omitzero" yaml:"started_at,omitempty"`
	LastCheck           time.Time     `json:"last_check,omitzero" yaml:"last_check,omitempty"`
	LastResult          *HealthResult `json:"last_result,omitempty" yaml:"last_result,omitempty"`
	LastError           string        `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	RunID               string        `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	Required            bool          `json:"required" yaml:"required"`
}

// HealthResult is one probe outcome: healthy, unhealthy or process_dead.
type HealthResult struct {
	Kind   string `json:"kind" yaml:"kind"`
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

type ServiceHealth struct {
	State    string        `json:"state" yaml:"state"`
	Required bool          `json:"required" yaml:"required"`
	Healthy  bool          `json:"healthy" yaml:"healthy"`
	Result   *HealthResult `json:"result,omitempty" yaml:"result,omitempty"`
}

// HealthReport is the answer of GET /health.
type HealthReport struct {
	OverallHealthy bool                     `json:"overall_healthy" yaml:"overall_healthy"`
	Services       map[string]ServiceHealth `json:"services" yaml:"services"`
	Timestamp      time.Time                `json:"timestamp" yaml:"timestamp"`
}

type actionResponse struct {
	OK     bool          `json:"ok"`
	Status ServiceStatus `json:"status"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
