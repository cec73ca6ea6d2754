package supervisor

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/edgevisor/internal/health"
	"github.com/loykin/edgevisor/internal/service"
)

// ServiceHealth is one entry of a HealthReport. Result is nil when the
// service was not running and therefore not probed.
type ServiceHealth struct {
	State    service.State  `json:"state"`
	Required bool           `json:"required"`
	Healthy  bool           `json:"healthy"`
	Result   *health.Result `json:"result,omitempty"`
}

type HealthReport struct {
	OverallHealthy bool                     `json:"overall_healthy"`
	Services       map[string]ServiceHealth `json:"services"`
	Timestamp      time.Time                `json:"timestamp"`
}

// HealthCheckAll probes every running service concurrently. It is read-only:
// no state is recorded and nothing is restarted. The report is healthy when
// every probed service answered healthy and every required service is
// running.
func (s *Supervisor) HealthCheckAll(ctx context.Context) HealthReport {
	rep := HealthReport{
		OverallHealthy: true,
		Services:       make(map[string]ServiceHealth, len(s.names)),
		Timestamp:      time.Now().UTC(),
	}
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, name := range s.names {
		inst := s.entries[name].inst
		st := inst.Status()
		sh := ServiceHealth{State: st.State, Required: st.Required}
		if st.State != service.Running {
			mu.Lock()
			rep.Services[name] = sh
			if sh.Required {
				rep.OverallHealthy = false
			}
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, s.opts.ProbeTimeout)
			defer cancel()
			res := inst.Probe(pctx)
			sh.Result = &res
			sh.Healthy = res.IsHealthy()
			mu.Lock()
			rep.Services[name] = sh
			if !sh.Healthy {
				rep.OverallHealthy = false
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return rep
}
