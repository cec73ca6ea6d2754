package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/loykin/edgevisor"
	"github.com/loykin/edgevisor/pkg/client"
)

var errUnhealthy = errors.New("one or more services are unhealthy")

type command struct {
	out io.Writer
}

func (c command) newClient(f APIFlags) (*client.Client, error) {
	cfg := client.Config{
		BaseURL:  f.APIUrl,
		Timeout:  f.APITimeout,
		Insecure: f.Insecure,
	}
	if f.CACert != "" {
		cfg.TLS = &client.TLSClientConfig{CACert: f.CACert}
	}
	return client.New(cfg)
}

// validate loads the config, builds a supervisor without spawning anything
// and prints the startup levels.
func (c command) validate(f ValidateFlags) error {
	cfg, err := edgevisor.LoadConfig(f.ConfigPath)
	if err != nil {
		return err
	}
	sup, err := edgevisor.New(cfg.Services, edgevisor.Options{Env: cfg.GlobalEnv})
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "%s: %d services OK\n", f.ConfigPath, len(sup.Names()))
	for k, level := range sup.Order() {
		_, _ = fmt.Fprintf(c.out, "level %d: %s\n", k+1, strings.Join(level, ", "))
	}
	return nil
}

func (c command) status(ctx context.Context, api APIFlags, f StatusFlags) error {
	cl, err := c.newClient(api)
	if err != nil {
		return err
	}
	var sts map[string]client.ServiceStatus
	if f.Name != "" {
		st, err := cl.ServiceStatus(ctx, f.Name)
		if err != nil {
			return err
		}
		sts = map[string]client.ServiceStatus{st.Name: st}
	} else if sts, err = cl.Status(ctx); err != nil {
		return err
	}

	switch f.Output {
	case "", "table":
		return printStatusTable(c.out, sts)
	case "json":
		if f.Name != "" {
			return printJSON(c.out, sts[f.Name])
		}
		return printJSON(c.out, sts)
	case "yaml":
		if f.Name != "" {
			return printYAML(c.out, sts[f.Name])
		}
		return printYAML(c.out, sts)
	}
	return fmt.Errorf("unknown output format %q", f.Output)
}

func (c command) health(ctx context.Context, api APIFlags, f HealthFlags) error {
	cl, err := c.newClient(api)
	if err != nil {
		return err
	}
	rep, err := cl.Health(ctx)
	if err != nil {
		return err
	}
	switch f.Output {
	case "", "table":
		err = printHealthTable(c.out, rep)
	case "json":
		err = printJSON(c.out, rep)
	case "yaml":
		err = printYAML(c.out, rep)
	default:
		return fmt.Errorf("unknown output format %q", f.Output)
	}
	if err != nil {
		return err
	}
	if !rep.OverallHealthy {
		return errUnhealthy
	}
	return nil
}

func (c command) action(ctx context.Context, api APIFlags, a edgevisor.Action, name string) error {
	cl, err := c.newClient(api)
	if err != nil {
		return err
	}
	var st client.ServiceStatus
	switch a {
	case edgevisor.ActionStart:
		st, err = cl.Start(ctx, name)
	case edgevisor.ActionStop:
		st, err = cl.Stop(ctx, name)
	case edgevisor.ActionRestart:
		st, err = cl.Restart(ctx, name)
	default:
		return fmt.Errorf("unsupported action %s", a)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", a, name, err)
	}
	_, _ = fmt.Fprintf(c.out, "%s %s: %s%s\n", a, name, st.State, describePID(st))
	return nil
}

func describePID(st client.ServiceStatus) string {
	if st.PID == 0 {
		return ""
	}
	return fmt.Sprintf(" (pid %d, port %d)", st.PID, st.Port)
}
