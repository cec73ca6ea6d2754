// Package service runs one supervised child process through its lifecycle:
// resource assignment, spawn, startup probing, restarts and stop.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/edgevisor/internal/env"
	"github.com/loykin/edgevisor/internal/health"
	"github.com/loykin/edgevisor/internal/metrics"
	"github.com/loykin/edgevisor/internal/portalloc"
	"github.com/loykin/edgevisor/internal/process"
	"github.com/loykin/edgevisor/internal/token"
)

const (
	DefaultStartupPollInterval = 500 * time.Millisecond
	DefaultStopGrace           = 5 * time.Second

	reapWait = time.Second
)

// Options are the collaborators an Instance borrows from its supervisor.
// Zero values get private defaults, which is what tests rely on.
type Options struct {
	Ports  *portalloc.Allocator
	Tokens *token.Issuer
	Prober health.Prober
	Env    *env.Env

	ProbeTimeout        time.Duration
	StartupPollInterval time.Duration
	// StopGrace bounds the SIGTERM wait when a restart replaces the process.
	StopGrace time.Duration

	// DependencyCheck returns ErrDependencyNotRunning (wrapped) when one of
	// deps is not running. Nil skips the check.
	DependencyCheck func(deps []string) error
	OnTransition    func(Transition)
	Logger          *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Ports == nil {
		o.Ports = portalloc.New(0, 0)
	}
	if o.Tokens == nil {
		o.Tokens = token.New()
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = health.DefaultTimeout
	}
	if o.Prober == nil {
		o.Prober = health.NewHTTPProber(o.ProbeTimeout)
	}
	if o.Env == nil {
		o.Env = env.New()
	}
	if o.StartupPollInterval <= 0 {
		o.StartupPollInterval = DefaultStartupPollInterval
	}
	if o.StopGrace <= 0 {
		o.StopGrace = DefaultStopGrace
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Instance wraps one child process. All mutable fields are guarded by mu;
// restartMu serializes Restart calls. Every mutation republishes an
// immutable Status so readers never take the lock.
type Instance struct {
	cfg    Config
	opts   Options
	logger *slog.Logger

	restartMu sync.Mutex

	mu         sync.Mutex
	state      State
	proc       *process.Process
	port       int
	token      string
	restarts   int
	failures   int
	startedAt  time.Time
	lastCheck  time.Time
	lastResult *health.Result
	lastErr    string
	runID      string
	life       context.Context
	cancelLife context.CancelFunc
	pending    []Transition

	status atomic.Pointer[Status]
}

// New builds a stopped instance. cfg must already be validated; defaults are
// applied here. An explicit port is reserved in the allocator immediately so
// auto allocation never hands it to another service.
func New(cfg Config, opts Options) *Instance {
	cfg = cfg.WithDefaults()
	opts = opts.withDefaults()
	i := &Instance{
		cfg:    cfg,
		opts:   opts,
		logger: opts.Logger.With("service", cfg.Name),
		state:  Stopped,
	}
	i.life, i.cancelLife = context.WithCancel(context.Background())
	if cfg.Port.Mode == PortExplicit {
		opts.Ports.Reserve(cfg.Port.Port)
	}
	i.publishLocked()
	metrics.SetCurrentState(cfg.Name, Stopped.String(), true)
	return i
}

func (i *Instance) Name() string { return i.cfg.Name }
func (i *Instance) Config() Config { return i.cfg }

// Status returns the latest published snapshot without locking.
func (i *Instance) Status() Status { return *i.status.Load() }

func (i *Instance) State() State { return i.status.Load().State }

// Context is cancelled when the instance is stopped. A new one is created by
// the next Start.
func (i *Instance) Context() context.Context {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.life
}

// Start checks dependencies, assigns port and token, spawns the process and
// waits until it reports healthy. It is valid from Stopped or Failed.
func (i *Instance) Start(ctx context.Context) error {
	i.mu.Lock()
	if !i.state.Terminal() {
		st := i.state
		i.unlock()
		return fmt.Errorf("%w: start %s while %s", ErrInvalidState, i.cfg.Name, st)
	}
	if i.life.Err() != nil {
		i.life, i.cancelLife = context.WithCancel(context.Background())
	}
	life := i.life
	i.failures = 0
	i.lastErr = ""
	if check := i.opts.DependencyCheck; check != nil && len(i.cfg.DependsOn) > 0 {
		if err := check(i.cfg.DependsOn); err != nil {
			i.lastErr = err.Error()
			i.transitionLocked(Failed, err.Error())
			i.unlock()
			return fmt.Errorf("start %s: %w", i.cfg.Name, err)
		}
	}
	i.transitionLocked(Starting, "")
	i.unlock()
	return i.launch(ctx, life, false)
}

// launch spawns the process and waits for the first healthy probe. The caller
// has already moved the instance to Starting or Restarting. redraw asks for a
// fresh port and token.
func (i *Instance) launch(ctx, life context.Context, redraw bool) error {
	i.mu.Lock()
	if life.Err() != nil {
		i.unlock()
		return ErrStopped
	}
	if err := i.assignLocked(redraw); err != nil {
		i.lastErr = err.Error()
		i.transitionLocked(Failed, err.Error())
		i.unlock()
		return fmt.Errorf("start %s: %w", i.cfg.Name, err)
	}
	spec := i.specLocked()
	proc, err := process.Start(spec)
	if err != nil {
		i.lastErr = err.Error()
		i.transitionLocked(Failed, err.Error())
		i.unlock()
		return err
	}
	i.proc = proc
	i.startedAt = proc.StartedAt()
	i.runID = uuid.NewString()
	i.lastResult = nil
	i.lastCheck = time.Time{}
	i.publishLocked()
	port, runID := i.port, i.runID
	i.unlock()

	i.logger.Info("Service spawned", "pid", proc.PID(), "port", port, "run_id", runID)
	return i.awaitHealthy(ctx, life, proc, port)
}

// assignLocked fills in port and token for the next spawn.
func (i *Instance) assignLocked(redraw bool) error {
	switch i.cfg.Port.Mode {
	case PortExplicit:
		i.port = i.cfg.Port.Port
	default:
		if i.port == 0 || redraw {
			p, err := i.opts.Ports.Allocate()
			if err != nil {
				return err
			}
			if i.port != 0 {
				i.opts.Ports.Release(i.port)
			}
			i.port = p
		}
	}
	if i.cfg.IssueToken && (i.token == "" || (redraw && i.cfg.Port.Mode == PortAuto)) {
		t, err := i.opts.Tokens.Issue()
		if err != nil {
			return err
		}
		i.token = t
	}
	return nil
}

func (i *Instance) specLocked() process.Spec {
	inject := map[string]string{i.cfg.PortEnv: strconv.Itoa(i.port)}
	if i.cfg.IssueToken {
		inject[i.cfg.TokenEnv] = i.token
	}
	vars := i.opts.Env.Resolve(i.cfg.Env, inject)
	argv := make([]string, len(i.cfg.Command))
	for k, a := range i.cfg.Command {
		argv[k] = env.Expand(a, vars)
	}
	return process.Spec{
		Name:    i.cfg.Name,
		Command: argv,
		WorkDir: i.cfg.WorkDir,
		Env:     vars.List(),
		Log:     i.cfg.Log,
	}
}

func (i *Instance) awaitHealthy(ctx, life context.Context, proc *process.Process, port int) error {
	url := health.ExpandURL(i.cfg.HealthURL, "", port)
	begin := time.Now()
	deadline := time.NewTimer(i.cfg.StartupTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(i.opts.StartupPollInterval)
	defer tick.Stop()

	probeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(life, cancel)()

	for {
		res := i.check(probeCtx, proc, url)
		switch {
		case res.IsHealthy():
			i.mu.Lock()
			if life.Err() != nil {
				i.unlock()
				return ErrStopped
			}
			i.failures = 0
			i.lastCheck = time.Now()
			i.lastResult = &res
			i.transitionLocked(Running, "")
			i.unlock()
			metrics.IncStart(i.cfg.Name)
			metrics.ObserveStartDuration(i.cfg.Name, time.Since(begin).Seconds())
			i.logger.Info("Service running", "pid", proc.PID(), "port", port, "took", time.Since(begin).Round(time.Millisecond))
			return nil
		case res.Kind == health.KindProcessDead:
			return i.failStart(life, proc, ErrProcessExitedEarly, exitReason(proc))
		}

		select {
		case <-life.Done():
			return ErrStopped
		case <-ctx.Done():
			return i.failStart(life, proc, ctx.Err(), "start cancelled")
		case <-proc.Done():
			return i.failStart(life, proc, ErrProcessExitedEarly, exitReason(proc))
		case <-deadline.C:
			return i.failStart(life, proc, ErrStartupTimeout, fmt.Sprintf("not healthy after %s: %s", i.cfg.StartupTimeout, res.Reason))
		case <-tick.C:
		}
	}
}

// failStart kills proc and moves to Failed unless a stop got there first.
func (i *Instance) failStart(life context.Context, proc *process.Process, cause error, detail string) error {
	if err := proc.Kill(); err != nil {
		i.logger.Warn("Failed to kill service after failed start", "pid", proc.PID(), "error", err)
	}
	i.mu.Lock()
	if life.Err() != nil {
		i.unlock()
		return ErrStopped
	}
	err := fmt.Errorf("start %s: %w: %s", i.cfg.Name, cause, detail)
	i.lastErr = err.Error()
	i.transitionLocked(Failed, detail)
	i.unlock()
	i.logger.Error("Service failed to start", "error", err)
	return err
}

// exitReason describes how proc ended. A process that is gone but not yet
// reaped gets a short grace period for the waiter to collect its status.
func exitReason(proc *process.Process) string {
	t := time.NewTimer(reapWait)
	defer t.Stop()
	select {
	case <-proc.Done():
	case <-t.C:
		return "process not alive"
	}
	if err := proc.ExitErr(); err != nil {
		return err.Error()
	}
	return "exit status 0"
}

// check is the liveness check shared by ProbeHealth and Probe: the OS
// process first, the HTTP endpoint second.
func (i *Instance) check(ctx context.Context, proc *process.Process, url string) health.Result {
	if proc == nil {
		return health.Dead("no process")
	}
	if !proc.Alive() {
		if proc.Exited() {
			return health.Dead(exitReason(proc))
		}
		return health.Dead("process not alive")
	}
	return i.opts.Prober.Probe(ctx, url)
}

func (i *Instance) current() (*process.Process, int, context.Context) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.proc, i.port, i.life
}

// ProbeHealth performs one check and records its time, result and the
// consecutive failure streak.
func (i *Instance) ProbeHealth(ctx context.Context) health.Result {
	res, _ := i.ProbeRun(ctx)
	return res
}

// ProbeRun is ProbeHealth that also returns the run the result belongs to.
// A result for a process that was replaced while the check ran is returned
// but not recorded.
func (i *Instance) ProbeRun(ctx context.Context) (health.Result, string) {
	i.mu.Lock()
	proc, port, life, runID := i.proc, i.port, i.life, i.runID
	i.mu.Unlock()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(life, cancel)()

	res := i.check(ctx, proc, health.ExpandURL(i.cfg.HealthURL, "", port))

	i.mu.Lock()
	if i.proc == proc && i.runID == runID && i.state.Settled() {
		i.lastCheck = time.Now()
		i.lastResult = &res
		if res.IsHealthy() {
			i.failures = 0
		} else {
			i.failures++
		}
		i.publishLocked()
	}
	i.unlock()
	metrics.IncProbe(i.cfg.Name, res.Kind.String())
	return res, runID
}

// Probe performs the same check as ProbeHealth without touching any state.
func (i *Instance) Probe(ctx context.Context) health.Result {
	proc, port, _ := i.current()
	return i.check(ctx, proc, health.ExpandURL(i.cfg.HealthURL, "", port))
}

// MarkRunning records a healthy observation of runID: an Unhealthy instance
// returns to Running and the failure streak is cleared.
func (i *Instance) MarkRunning(runID string) {
	i.mu.Lock()
	if i.runID != runID {
		i.unlock()
		return
	}
	i.failures = 0
	if i.state == Unhealthy {
		i.transitionLocked(Running, "")
	} else {
		i.publishLocked()
	}
	i.unlock()
}

// MarkUnhealthy moves a Running instance to Unhealthy and reports whether it
// did. Observations of an earlier run are ignored.
func (i *Instance) MarkUnhealthy(runID, reason string) bool {
	i.mu.Lock()
	defer i.unlock()
	if i.state != Running || i.runID != runID {
		return false
	}
	i.lastErr = reason
	i.transitionLocked(Unhealthy, reason)
	return true
}

// Restart replaces the process. Once restart_count has reached
// MaxRestartAttempts the instance fails permanently without spawning.
func (i *Instance) Restart(ctx context.Context) error {
	return i.restart(ctx, "", false)
}

// RestartRun restarts only if runID is still the current run. It returns
// ErrRunReplaced when another restart already replaced that run.
func (i *Instance) RestartRun(ctx context.Context, runID string) error {
	return i.restart(ctx, runID, true)
}

func (i *Instance) restart(ctx context.Context, runID string, scoped bool) error {
	i.restartMu.Lock()
	defer i.restartMu.Unlock()

	i.mu.Lock()
	switch {
	case i.state == Stopping || i.life.Err() != nil:
		i.unlock()
		return ErrStopped
	case scoped && i.runID != runID:
		i.unlock()
		return fmt.Errorf("%w: %s", ErrRunReplaced, runID)
	case !i.state.CanRestart():
		st := i.state
		i.unlock()
		return fmt.Errorf("%w: restart %s while %s", ErrInvalidState, i.cfg.Name, st)
	}
	life := i.life
	if i.restarts >= i.cfg.MaxRestartAttempts {
		n := i.restarts
		err := fmt.Errorf("%w: %s after %d attempts", ErrRestartBudgetExhausted, i.cfg.Name, n)
		i.lastErr = err.Error()
		i.transitionLocked(Failed, ErrRestartBudgetExhausted.Error())
		old := i.proc
		i.unlock()
		metrics.IncBudgetExhausted(i.cfg.Name)
		i.logger.Error("Restart budget exhausted", "restart_count", n)
		if old != nil {
			if kerr := old.Terminate(i.opts.StopGrace); kerr != nil {
				i.logger.Warn("Failed to terminate abandoned process", "pid", old.PID(), "error", kerr)
			}
		}
		return err
	}
	i.restarts++
	attempt := i.restarts
	old := i.proc
	reason := i.lastErr
	i.transitionLocked(Restarting, reason)
	i.unlock()

	metrics.IncRestart(i.cfg.Name)
	i.logger.Warn("Restarting service", "attempt", attempt, "max", i.cfg.MaxRestartAttempts, "reason", reason)

	if old != nil {
		if err := old.Terminate(i.opts.StopGrace); err != nil {
			i.logger.Warn("Old process did not exit cleanly", "pid", old.PID(), "error", err)
		}
	}

	delay := time.NewTimer(i.cfg.RestartDelay)
	select {
	case <-life.Done():
		delay.Stop()
		return ErrStopped
	case <-ctx.Done():
		delay.Stop()
		i.mu.Lock()
		if life.Err() != nil {
			i.unlock()
			return ErrStopped
		}
		i.lastErr = "restart cancelled"
		i.transitionLocked(Failed, "restart cancelled")
		i.unlock()
		return ctx.Err()
	case <-delay.C:
	}
	return i.launch(ctx, life, i.cfg.Port.Mode == PortAuto)
}

// ResetRestarts clears the restart budget.
func (i *Instance) ResetRestarts() {
	i.mu.Lock()
	i.restarts = 0
	i.publishLocked()
	i.unlock()
}

// Stop cancels the lifecycle context, then terminates the process group with
// SIGTERM, escalating to SIGKILL after grace. It always ends in Stopped.
func (i *Instance) Stop(grace time.Duration) error {
	i.mu.Lock()
	i.cancelLife()
	if i.state == Stopped {
		i.unlock()
		return nil
	}
	proc := i.proc
	i.transitionLocked(Stopping, "")
	i.unlock()

	var err error
	if proc != nil {
		if err = proc.Terminate(grace); err != nil {
			err = fmt.Errorf("stop %s: %w", i.cfg.Name, err)
		}
	}

	i.mu.Lock()
	if i.proc == proc {
		i.proc = nil
	}
	if i.cfg.Port.Mode == PortAuto && i.port != 0 {
		i.opts.Ports.Release(i.port)
		i.port = 0
	}
	i.token = ""
	i.restarts = 0
	i.failures = 0
	i.transitionLocked(Stopped, "")
	i.unlock()

	metrics.IncStop(i.cfg.Name)
	if err != nil {
		i.logger.Warn("Service stopped with error", "error", err)
	} else if proc != nil {
		i.logger.Info("Service stopped", "pid", proc.PID())
	}
	return err
}

// Token returns the token handed to the current process. It is exposed for
// embedders that need to talk to the service; it is never logged.
func (i *Instance) Token() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.token
}

func (i *Instance) transitionLocked(to State, reason string) {
	from := i.state
	i.state = to
	i.publishLocked()
	if from == to {
		return
	}
	metrics.RecordStateTransition(i.cfg.Name, from.String(), to.String())
	metrics.SetCurrentState(i.cfg.Name, from.String(), false)
	metrics.SetCurrentState(i.cfg.Name, to.String(), true)
	if i.opts.OnTransition != nil {
		i.pending = append(i.pending, Transition{From: from, To: to, Reason: reason, Status: *i.status.Load()})
	}
}

func (i *Instance) publishLocked() {
	st := &Status{
		Name:                i.cfg.Name,
		State:               i.state,
		Port:                i.port,
		RestartCount:        i.restarts,
		ConsecutiveFailures: i.failures,
		LastCheck:           i.lastCheck,
		LastResult:          i.lastResult,
		LastError:           i.lastErr,
		Required:            i.cfg.Required,
	}
	if i.proc != nil {
		st.PID = i.proc.PID()
		st.StartedAt = i.startedAt
		st.RunID = i.runID
	}
	i.status.Store(st)
}

// unlock releases mu and then delivers queued transitions, so hooks never run
// under the instance lock.
func (i *Instance) unlock() {
	evs := i.pending
	i.pending = nil
	i.mu.Unlock()
	for _, e := range evs {
		i.opts.OnTransition(e)
	}
}

// IsBudgetExhausted reports whether err ends automatic recovery.
func IsBudgetExhausted(err error) bool { return errors.Is(err, ErrRestartBudgetExhausted) }
