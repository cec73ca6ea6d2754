// Package edgevisor is the embedding API of the edgevisor service supervisor.
// It re-exports the supervisor core and wires the history, metrics and HTTP
// layers the way the edgevisor command does.
package edgevisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/edgevisor/internal/config"
	"github.com/loykin/edgevisor/internal/history"
	"github.com/loykin/edgevisor/internal/history/factory"
	"github.com/loykin/edgevisor/internal/metrics"
	iapi "github.com/loykin/edgevisor/internal/server"
	"github.com/loykin/edgevisor/internal/service"
	"github.com/loykin/edgevisor/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type ServiceConfig = service.Config

type PortSpec = service.PortSpec

type Status = service.Status

type State = service.State

type Options = supervisor.Options

type Result = supervisor.Result

type HealthReport = supervisor.HealthReport

type Action = supervisor.Action

type Config = cfg.Config

type HistorySink = history.Sink

const (
	ActionStart   = supervisor.ActionStart
	ActionStop    = supervisor.ActionStop
	ActionRestart = supervisor.ActionRestart
)

// AutoPort and ExplicitPort build port specs for ServiceConfig.Port.
func AutoPort() PortSpec                   { return service.AutoPort() }
func ExplicitPort(port int) PortSpec       { return service.ExplicitPort(port) }
func ParseAction(s string) (Action, error) { return supervisor.ParseAction(s) }

// Supervisor is a thin facade over internal/supervisor.Supervisor.
// It provides a stable public API for embedding.
type Supervisor struct {
	inner *supervisor.Supervisor
	// history is owned when the supervisor was built by NewFromConfig.
	history *history.Fanout
}

// New validates configs and returns a stopped supervisor.
func New(configs []ServiceConfig, opts Options) (*Supervisor, error) {
	s, err := supervisor.New(configs, opts)
	if err != nil {
		return nil, err
	}
	return &Supervisor{inner: s}, nil
}

// NewFromConfig builds a supervisor from a loaded config file, opening every
// configured history sink. Close releases the sinks.
func NewFromConfig(c *Config, logger *slog.Logger) (*Supervisor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsns := make([]string, 0, len(c.History))
	for _, h := range c.History {
		dsns = append(dsns, h.DSN)
	}
	fan, err := NewHistory(dsns, logger)
	if err != nil {
		return nil, err
	}
	sc := c.Supervisor
	s, err := supervisor.New(c.Services, Options{
		PortRangeStart:      sc.PortRangeStart,
		PortRangeSize:       sc.PortRangeSize,
		ProbeTimeout:        sc.ProbeTimeout,
		StartupPollInterval: sc.StartupPollInterval,
		StopGrace:           sc.StopGrace,
		Env:                 c.GlobalEnv,
		History:             fan,
		Logger:              logger,
	})
	if err != nil {
		_ = fan.Close()
		return nil, err
	}
	return &Supervisor{inner: s, history: fan}, nil
}

func (s *Supervisor) StartAll(ctx context.Context) (*Result, error) { return s.inner.StartAll(ctx) }
func (s *Supervisor) StopAll(grace time.Duration) error             { return s.inner.StopAll(grace) }
func (s *Supervisor) StartService(ctx context.Context, name string) error {
	return s.inner.StartService(ctx, name)
}
func (s *Supervisor) StopService(name string, grace time.Duration) error {
	return s.inner.StopService(name, grace)
}
func (s *Supervisor) RestartService(ctx context.Context, name string) error {
	return s.inner.RestartService(ctx, name)
}
func (s *Supervisor) Do(ctx context.Context, a Action, name string) error {
	return s.inner.Do(ctx, a, name)
}
func (s *Supervisor) GetStatus() map[string]Status       { return s.inner.GetStatus() }
func (s *Supervisor) Status(name string) (Status, error) { return s.inner.Status(name) }
func (s *Supervisor) HealthCheckAll(ctx context.Context) HealthReport {
	return s.inner.HealthCheckAll(ctx)
}
func (s *Supervisor) Names() []string        { return s.inner.Names() }
func (s *Supervisor) Order() [][]string      { return s.inner.Order() }
func (s *Supervisor) PIDs() map[string]int32 { return s.inner.PIDs() }

// Close stops every service and closes the history sinks it owns.
func (s *Supervisor) Close() error {
	err := s.inner.Close()
	if s.history != nil {
		err = errors.Join(err, s.history.Close())
	}
	return err
}

// Handler returns the HTTP control surface rooted at basePath. When
// withMetrics is set, GET {basePath}/metrics serves the default registry.
func (s *Supervisor) Handler(basePath string, withMetrics bool) http.Handler {
	r := iapi.NewRouter(s.inner, basePath)
	if withMetrics {
		r = r.WithMetrics(metrics.Handler())
	}
	return r.Handler()
}

// RegisterEcho mounts the control surface of s on an echo instance.
func (s *Supervisor) RegisterEcho(e *echo.Echo, basePath string) {
	iapi.RegisterEcho(e, iapi.NewRouter(s.inner, basePath))
}

// NewHTTPServer starts an HTTP server exposing the control API of s.
func NewHTTPServer(addr, basePath string, s *Supervisor, logger *slog.Logger) (*http.Server, error) {
	return iapi.NewServer(addr, s.Handler(basePath, false), logger)
}

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// NewHistorySink opens a sink from a DSN such as sqlite:///var/lib/edge.db,
// postgres://..., clickhouse://... or opensearch://host:9200/index.
func NewHistorySink(dsn string) (HistorySink, error) { return factory.NewSinkFromDSN(dsn) }

// NewHistory opens one sink per DSN and fans events out to all of them.
// Sinks opened before a failure are closed again.
func NewHistory(dsns []string, logger *slog.Logger) (*history.Fanout, error) {
	sinks := make([]history.Sink, 0, len(dsns))
	for _, dsn := range dsns {
		sk, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			_ = history.NewFanout(logger, sinks...).Close()
			return nil, fmt.Errorf("history sink: %w", err)
		}
		sinks = append(sinks, sk)
	}
	return history.NewFanout(logger, sinks...), nil
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
func MetricsHandler() http.Handler                  { return metrics.Handler() }
