// Package monitor runs the periodic health loop that escalates failed probes
// to restarts.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/edgevisor/internal/health"
	"github.com/loykin/edgevisor/internal/service"
)

// Target is the part of a service instance the loop drives.
type Target interface {
	Name() string
	// Context is cancelled when the target is stopped.
	Context() context.Context
	// ProbeRun checks the current process and names the run it checked.
	ProbeRun(ctx context.Context) (health.Result, string)
	MarkRunning(runID string)
	MarkUnhealthy(runID, reason string) bool
	// RestartRun replaces runID and fails with service.ErrRunReplaced when
	// that run is already gone.
	RestartRun(ctx context.Context, runID string) error
}

// Monitor is one health loop. It exits when Stop is called, when the target
// is stopped, or when the target's restart budget is exhausted.
type Monitor struct {
	target   Target
	interval time.Duration
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Start launches the loop. The first probe happens one interval from now.
func Start(parent context.Context, t Target, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = service.DefaultHealthCheckInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	m := &Monitor{
		target:   t,
		interval: interval,
		logger:   logger.With("service", t.Name()),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go m.run(ctx, t.Context())
	return m
}

// Done is closed when the loop has exited.
func (m *Monitor) Done() <-chan struct{} { return m.done }

// Stop cancels the loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.cancel()
	<-m.done
}

// Err returns the restart error that ended the loop, if any.
func (m *Monitor) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *Monitor) run(ctx, life context.Context) {
	defer close(m.done)
	defer m.cancel()

	timer := time.NewTimer(m.interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-life.Done():
			return
		case <-timer.C:
		}

		res, runID := m.target.ProbeRun(ctx)
		if ctx.Err() != nil || life.Err() != nil {
			return
		}
		if res.IsHealthy() {
			m.target.MarkRunning(runID)
		} else if !m.handleFailure(ctx, runID, res) {
			return
		}
		timer.Reset(m.interval)
	}
}

// handleFailure marks the probed run unhealthy and restarts it. It reports
// whether the loop should continue.
func (m *Monitor) handleFailure(ctx context.Context, runID string, res health.Result) bool {
	if m.target.MarkUnhealthy(runID, res.String()) {
		m.logger.Warn("Service unhealthy", "result", res.String())
	}
	err := m.target.RestartRun(ctx, runID)
	switch {
	case err == nil:
		m.logger.Info("Service restarted")
		return true
	case errors.Is(err, service.ErrRunReplaced):
		m.logger.Debug("Skipping restart of replaced run", "run_id", runID)
		return true
	case errors.Is(err, service.ErrStopped) || ctx.Err() != nil:
		return false
	case service.IsBudgetExhausted(err):
		m.mu.Lock()
		m.err = err
		m.mu.Unlock()
		m.logger.Error("Giving up on service", "error", err)
		return false
	default:
		m.logger.Warn("Restart failed", "error", err)
		return true
	}
}
