// Package supervisor owns a fixed set of services: it validates their
// dependency graph, starts them level by level, attaches a health monitor to
// each running service and tears everything down again.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/edgevisor/internal/env"
	"github.com/loykin/edgevisor/internal/health"
	"github.com/loykin/edgevisor/internal/history"
	"github.com/loykin/edgevisor/internal/metrics"
	"github.com/loykin/edgevisor/internal/monitor"
	"github.com/loykin/edgevisor/internal/portalloc"
	"github.com/loykin/edgevisor/internal/service"
	"github.com/loykin/edgevisor/internal/token"
)

// Options configure the resources shared by all services.
type Options struct {
	PortRangeStart      int
	PortRangeSize       int
	ProbeTimeout        time.Duration
	StartupPollInterval time.Duration
	StopGrace           time.Duration

	// Env is the global environment layered under every service's overrides.
	Env     *env.Env
	History *history.Fanout
	Prober  health.Prober
	Logger  *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = health.DefaultTimeout
	}
	if o.StopGrace <= 0 {
		o.StopGrace = service.DefaultStopGrace
	}
	if o.Env == nil {
		o.Env = env.New()
	}
	if o.Prober == nil {
		o.Prober = health.NewHTTPProber(o.ProbeTimeout)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

type entry struct {
	inst *service.Instance

	mu      sync.Mutex
	mon     *monitor.Monitor
	monLife context.Context
}

// Supervisor is safe for concurrent use. The service map is built by New and
// never changes, so lookups take no lock.
type Supervisor struct {
	opts    Options
	logger  *slog.Logger
	names   []string
	entries map[string]*entry
	deps    map[string][]string
	order   [][]string
	pos     map[string]int
	actions map[Action]actionFunc
	// events delivers history off the transition path; nil without sinks.
	events *history.Queue

	// ctx parents every monitor; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc
}

// Result reports the outcome of StartAll.
type Result struct {
	Started []string
	Failed  map[string]error
}

// OK reports whether every service started.
func (r *Result) OK() bool { return len(r.Failed) == 0 }

// New validates configs and builds a stopped supervisor. Nothing is spawned.
func New(configs []service.Config, opts Options) (*Supervisor, error) {
	opts = opts.withDefaults()

	var problems []string
	names := make([]string, 0, len(configs))
	byName := make(map[string]service.Config, len(configs))
	for _, c := range configs {
		if err := c.Validate(); err != nil {
			problems = append(problems, err.Error())
		}
		if _, dup := byName[c.Name]; dup {
			problems = append(problems, fmt.Sprintf("duplicate service name %q", c.Name))
			continue
		}
		byName[c.Name] = c
		names = append(names, c.Name)
	}
	deps := make(map[string][]string, len(names))
	for _, n := range names {
		for _, d := range byName[n].DependsOn {
			if _, ok := byName[d]; !ok {
				problems = append(problems, fmt.Sprintf("service %q depends on unknown service %q", n, d))
				continue
			}
			if d != n && !slices.Contains(deps[n], d) {
				deps[n] = append(deps[n], d)
			}
		}
	}
	order, cycle := levels(names, deps)
	if len(cycle) > 0 {
		problems = append(problems, describeCycle(cycle))
	}
	if len(problems) > 0 {
		return nil, &ConfigurationError{Problems: problems}
	}

	s := &Supervisor{
		opts:    opts,
		logger:  opts.Logger,
		names:   names,
		entries: make(map[string]*entry, len(names)),
		deps:    deps,
		order:   order,
		pos:     make(map[string]int, len(names)),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	if opts.History.Len() > 0 {
		s.events = history.NewQueue(opts.History, 0)
	}

	ports := portalloc.New(opts.PortRangeStart, opts.PortRangeSize)
	tokens := token.New()
	for k, n := range names {
		s.pos[n] = k
		s.entries[n] = &entry{inst: service.New(byName[n], service.Options{
			Ports:               ports,
			Tokens:              tokens,
			Prober:              opts.Prober,
			Env:                 opts.Env,
			ProbeTimeout:        opts.ProbeTimeout,
			StartupPollInterval: opts.StartupPollInterval,
			StopGrace:           opts.StopGrace,
			DependencyCheck:     s.dependenciesRunning,
			OnTransition:        s.onTransition,
			Logger:              opts.Logger,
		})}
	}
	s.actions = s.buildActions()
	return s, nil
}

// Names returns service names in declaration order.
func (s *Supervisor) Names() []string { return slices.Clone(s.names) }

// Order returns the startup levels. Services in one level start concurrently.
func (s *Supervisor) Order() [][]string {
	out := make([][]string, len(s.order))
	for k, lvl := range s.order {
		out[k] = slices.Clone(lvl)
	}
	return out
}

func (s *Supervisor) entry(name string) (*entry, error) {
	e, ok := s.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	return e, nil
}

func (s *Supervisor) dependenciesRunning(deps []string) error {
	for _, d := range deps {
		e, ok := s.entries[d]
		if !ok {
			return fmt.Errorf("%w: %s is unknown", service.ErrDependencyNotRunning, d)
		}
		if st := e.inst.State(); st != service.Running {
			return fmt.Errorf("%w: %s is %s", service.ErrDependencyNotRunning, d, st)
		}
	}
	return nil
}

// StartAll starts every service level by level. A failed required service
// aborts the batch: nothing further is started, everything already started
// is stopped and the failure is returned.
func (s *Supervisor) StartAll(ctx context.Context) (*Result, error) {
	res := &Result{Failed: map[string]error{}}
	var mu sync.Mutex

	for _, lvl := range s.order {
		if err := ctx.Err(); err != nil {
			s.abort()
			return res, err
		}
		g, gctx := errgroup.WithContext(ctx)
		for _, name := range lvl {
			e := s.entries[name]
			g.Go(func() error {
				err := s.startEntry(gctx, e)
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					res.Started = append(res.Started, name)
					return nil
				}
				res.Failed[name] = err
				if e.inst.Config().Required {
					return fmt.Errorf("required service %s: %w", name, err)
				}
				s.logger.Warn("Optional service failed to start", "service", name, "error", err)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			s.logger.Error("Startup aborted", "error", err)
			s.abort()
			s.sortByDeclaration(res.Started)
			return res, err
		}
	}
	s.sortByDeclaration(res.Started)
	s.logger.Info("Startup complete", "started", len(res.Started), "failed", len(res.Failed))
	return res, nil
}

func (s *Supervisor) abort() {
	if err := s.StopAll(s.opts.StopGrace); err != nil {
		s.logger.Warn("Errors while stopping after aborted startup", "error", err)
	}
}

func (s *Supervisor) sortByDeclaration(names []string) {
	slices.SortFunc(names, func(a, b string) int { return s.pos[a] - s.pos[b] })
}

// startEntry starts e unless it is already running and makes sure a monitor
// is attached. A failed service gets a fresh restart budget.
func (s *Supervisor) startEntry(ctx context.Context, e *entry) error {
	if st := e.inst.State(); st != service.Running {
		if st == service.Failed {
			e.inst.ResetRestarts()
		}
		if err := e.inst.Start(ctx); err != nil {
			return err
		}
	}
	s.attachMonitor(e)
	return nil
}

// attachMonitor starts a health loop for a running instance unless one is
// already watching the instance's current lifecycle.
func (s *Supervisor) attachMonitor(e *entry) {
	if e.inst.State() != service.Running {
		return
	}
	life := e.inst.Context()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mon != nil {
		select {
		case <-e.mon.Done():
		default:
			if e.monLife == life {
				return
			}
			e.mon.Stop()
		}
	}
	e.mon = monitor.Start(s.ctx, e.inst, e.inst.Config().HealthCheckInterval, s.logger)
	e.monLife = life
}

func (s *Supervisor) detachMonitor(e *entry) {
	e.mu.Lock()
	m := e.mon
	e.mon, e.monLife = nil, nil
	e.mu.Unlock()
	if m != nil {
		m.Stop()
	}
}

// stopEntry cancels the instance lifecycle first so its monitor cannot start
// another restart, then waits for the monitor to exit.
func (s *Supervisor) stopEntry(e *entry, grace time.Duration) error {
	err := e.inst.Stop(grace)
	s.detachMonitor(e)
	return err
}

// StopAll stops every monitor and every service concurrently. It always
// completes; individual failures are joined into the returned error.
func (s *Supervisor) StopAll(grace time.Duration) error {
	errs := make([]error, len(s.names))
	var wg sync.WaitGroup
	for k, name := range s.names {
		e := s.entries[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[k] = s.stopEntry(e, grace)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// StartService starts name after starting whatever it depends on.
func (s *Supervisor) StartService(ctx context.Context, name string) error {
	if _, err := s.entry(name); err != nil {
		return err
	}
	for _, n := range closure(name, s.deps, s.order) {
		if err := s.startEntry(ctx, s.entries[n]); err != nil {
			if n != name {
				return fmt.Errorf("start dependency %s of %s: %w", n, name, err)
			}
			return err
		}
	}
	return nil
}

// StopService stops one service and its monitor. Dependents are left alone.
func (s *Supervisor) StopService(name string, grace time.Duration) error {
	e, err := s.entry(name)
	if err != nil {
		return err
	}
	return s.stopEntry(e, grace)
}

// RestartService restarts a running, unhealthy or failed service. A stopped
// service is started instead. A failed service gets a fresh restart budget.
func (s *Supervisor) RestartService(ctx context.Context, name string) error {
	e, err := s.entry(name)
	if err != nil {
		return err
	}
	switch st := e.inst.State(); st {
	case service.Stopped:
		return s.StartService(ctx, name)
	case service.Failed:
		e.inst.ResetRestarts()
	case service.Running, service.Unhealthy:
	default:
		return fmt.Errorf("%w: restart %s while %s", service.ErrInvalidState, name, st)
	}
	if err := e.inst.Restart(ctx); err != nil {
		return err
	}
	s.attachMonitor(e)
	return nil
}

// GetStatus returns a snapshot of every service. It never blocks on probes.
func (s *Supervisor) GetStatus() map[string]service.Status {
	out := make(map[string]service.Status, len(s.names))
	for _, n := range s.names {
		out[n] = s.entries[n].inst.Status()
	}
	return out
}

// Status returns the snapshot of one service.
func (s *Supervisor) Status(name string) (service.Status, error) {
	e, err := s.entry(name)
	if err != nil {
		return service.Status{}, err
	}
	return e.inst.Status(), nil
}

// PIDs maps each service with a live process to its pid.
func (s *Supervisor) PIDs() map[string]int32 {
	out := make(map[string]int32, len(s.names))
	for _, n := range s.names {
		if pid := s.entries[n].inst.Status().PID; pid > 0 {
			out[n] = int32(pid)
		}
	}
	return out
}

// Close stops everything, ends all monitors for good and flushes queued
// history events.
func (s *Supervisor) Close() error {
	err := s.StopAll(s.opts.StopGrace)
	s.cancel()
	s.events.Close()
	return err
}

func (s *Supervisor) countRunning() int {
	n := 0
	for _, name := range s.names {
		if s.entries[name].inst.State() == service.Running {
			n++
		}
	}
	return n
}

func (s *Supervisor) onTransition(tr service.Transition) {
	metrics.SetRunning(s.countRunning())
	if s.events == nil {
		return
	}
	typ, ok := eventType(tr)
	if !ok {
		return
	}
	st := tr.Status
	s.events.Emit(history.Event{
		Type:       typ,
		OccurredAt: time.Now().UTC(),
		Record: history.Record{
			Service:      st.Name,
			RunID:        st.RunID,
			PID:          st.PID,
			Port:         st.Port,
			State:        st.State.String(),
			RestartCount: st.RestartCount,
			Reason:       tr.Reason,
		},
	})
}

func eventType(tr service.Transition) (history.EventType, bool) {
	switch tr.To {
	case service.Running:
		if tr.From == service.Unhealthy {
			return "", false
		}
		return history.EventStart, true
	case service.Restarting:
		return history.EventRestart, true
	case service.Unhealthy:
		return history.EventUnhealthy, true
	case service.Failed:
		return history.EventFailed, true
	case service.Stopped:
		return history.EventStop, true
	}
	return "", false
}
