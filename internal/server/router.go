// Package server exposes a supervisor over HTTP. It is an outer layer: the
// supervisor never depends on it.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/labstack/echo/v4"

	"github.com/loykin/edgevisor/internal/service"
	"github.com/loykin/edgevisor/internal/supervisor"
)

// Controller is the part of the supervisor the HTTP layer uses.
type Controller interface {
	GetStatus() map[string]service.Status
	Status(name string) (service.Status, error)
	HealthCheckAll(ctx context.Context) supervisor.HealthReport
	Do(ctx context.Context, action supervisor.Action, name string) error
}

// Router provides embeddable HTTP handlers for a supervisor.
// Endpoints:
//
//	GET  {basePath}/status                 all service snapshots
//	GET  {basePath}/status/:name           one snapshot
//	GET  {basePath}/health                 HealthReport; 503 when not overall healthy
//	POST {basePath}/services/:name/:action start, stop or restart
//	GET  {basePath}/metrics                Prometheus, when a metrics handler is set
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	ctl      Controller
	basePath string
	metrics  http.Handler
	// actionTimeout bounds a control action; starts wait for health. Actions
	// run detached from the request so a client giving up does not abort them.
	actionTimeout time.Duration
}

// NewRouter constructs a Router. Example basePath: "/api" results in
// /api/status, /api/health and so on.
func NewRouter(ctl Controller, basePath string) *Router {
	return &Router{ctl: ctl, basePath: sanitizeBase(basePath), actionTimeout: 5 * time.Minute}
}

// WithMetrics mounts h at {basePath}/metrics.
func (r *Router) WithMetrics(h http.Handler) *Router {
	r.metrics = h
	return r
}

func (r *Router) BasePath() string { return r.basePath }

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatusAll)
	group.GET("/status/:name", r.handleStatus)
	group.GET("/health", r.handleHealth)
	group.POST("/services/:name/:action", r.handleAction)
	if r.metrics != nil {
		group.GET("/metrics", gin.WrapH(r.metrics))
	}
	return g
}

// RegisterEcho mounts the router's endpoints on an echo instance.
func RegisterEcho(e *echo.Echo, r *Router) {
	h := echo.WrapHandler(r.Handler())
	base := r.basePath
	if base == "" {
		e.Any("/*", h)
		return
	}
	e.Any(base, h)
	e.Any(base+"/*", h)
}

// NewServer binds addr and serves h in the background. Bind errors are
// returned; serve errors after that are logged.
func NewServer(addr string, h http.Handler, logger *slog.Logger) (*http.Server, error) {
	return NewTLSServer(addr, h, nil, logger)
}

// NewTLSServer is NewServer serving HTTPS with tlsConfig. A nil tlsConfig
// serves plain HTTP.
func NewTLSServer(addr string, h http.Handler, tlsConfig *tls.Config, logger *slog.Logger) (*http.Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           h,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server stopped", "addr", srv.Addr, "error", err)
		}
	}()
	return srv, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type actionResp struct {
	OK     bool           `json:"ok"`
	Status service.Status `json:"status"`
}

func (r *Router) handleStatusAll(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.ctl.GetStatus())
}

func (r *Router) handleStatus(c *gin.Context) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid service name"})
		return
	}
	st, err := r.ctl.Status(name)
	if err != nil {
		writeJSON(c, errorStatus(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleHealth(c *gin.Context) {
	rep := r.ctl.HealthCheckAll(c.Request.Context())
	code := http.StatusOK
	if !rep.OverallHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(c, code, rep)
}

func (r *Router) handleAction(c *gin.Context) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid service name"})
		return
	}
	action, err := supervisor.ParseAction(c.Param("action"))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), r.actionTimeout)
	defer cancel()
	if err := r.ctl.Do(ctx, action, name); err != nil {
		writeJSON(c, errorStatus(err), errorResp{Error: err.Error()})
		return
	}
	st, _ := r.ctl.Status(name)
	writeJSON(c, http.StatusOK, actionResp{OK: true, Status: st})
}

// errorStatus maps supervisor errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, supervisor.ErrUnknownService):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidState),
		errors.Is(err, service.ErrDependencyNotRunning),
		errors.Is(err, service.ErrRestartBudgetExhausted),
		errors.Is(err, service.ErrStopped):
		return http.StatusConflict
	case errors.Is(err, service.ErrResourceExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, service.ErrStartupTimeout),
		errors.Is(err, service.ErrProcessExitedEarly):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
