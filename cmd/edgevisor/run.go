package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/edgevisor"
	"github.com/loykin/edgevisor/internal/logger"
	"github.com/loykin/edgevisor/internal/metrics"
	"github.com/loykin/edgevisor/internal/server"
	apitls "github.com/loykin/edgevisor/internal/tls"
)

const shutdownTimeout = 5 * time.Second

// run supervises the configured services until ctx is cancelled.
func (c command) run(ctx context.Context, f RunFlags) error {
	cfg, err := edgevisor.LoadConfig(f.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if f.LogLevel != "" {
		cfg.Log.Level = f.LogLevel
	}
	log, closer, err := logger.Setup(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	if closer != nil {
		defer func() { _ = closer.Close() }()
	}
	slog.SetDefault(log)

	sup, err := edgevisor.NewFromConfig(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := sup.Close(); err != nil {
			log.Warn("Shutdown finished with errors", "error", err)
		}
	}()

	var servers []*http.Server
	defer func() { shutdownServers(servers, log) }()

	if cfg.Metrics.Enabled {
		if err := edgevisor.RegisterMetricsDefault(); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		rc := metrics.NewResourceCollector(cfg.Metrics.ResourceConfig, log)
		if err := rc.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("register resource metrics: %w", err)
		}
		rc.Start(ctx, sup.PIDs)
		defer rc.Stop()

		if cfg.Metrics.Listen != "" {
			srv, err := server.NewServer(cfg.Metrics.Listen, metricsMux(), log)
			if err != nil {
				return fmt.Errorf("metrics listener: %w", err)
			}
			servers = append(servers, srv)
			log.Info("Serving metrics", "addr", srv.Addr)
		}
	}

	tlsConfig, err := apitls.Setup(cfg.API.TLS)
	if err != nil {
		return fmt.Errorf("api tls: %w", err)
	}

	res, err := sup.StartAll(ctx)
	if err != nil {
		return err
	}
	for name, ferr := range res.Failed {
		log.Warn("Optional service not running", "service", name, "error", ferr)
	}
	log.Info("Services started", "started", len(res.Started), "failed", len(res.Failed))

	if cfg.API.Listen != "" {
		h := sup.Handler(cfg.API.BasePath, cfg.Metrics.Enabled && cfg.Metrics.Listen == "")
		srv, err := server.NewTLSServer(cfg.API.Listen, h, tlsConfig, log)
		if err != nil {
			return fmt.Errorf("api listener: %w", err)
		}
		servers = append(servers, srv)
		log.Info("Serving API", "addr", srv.Addr, "base_path", cfg.API.BasePath, "tls", tlsConfig != nil)
	}

	<-ctx.Done()
	log.Info("Shutting down", "cause", context.Cause(ctx))
	return nil
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", edgevisor.MetricsHandler())
	return mux
}

func shutdownServers(servers []*http.Server, log *slog.Logger) {
	for _, srv := range servers {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := srv.Shutdown(sctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("HTTP server shutdown failed", "addr", srv.Addr, "error", err)
		}
		cancel()
	}
}
