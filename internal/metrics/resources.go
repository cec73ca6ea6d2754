package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ResourceSample is one CPU/memory reading for a service's process.
type ResourceSample struct {
	PID        int32     `json:"pid"`
	Service    string    `json:"service"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

type ResourceConfig struct {
	Enabled  bool          `mapstructure:"resources"`
	Interval time.Duration `mapstructure:"resources_interval"`
}

// ResourceCollector samples every running service's process on an interval
// and exports the readings as gauges labelled by service name.
type ResourceCollector struct {
	enabled  bool
	interval time.Duration
	logger   *slog.Logger

	mu      sync.RWMutex
	latest  map[string]ResourceSample
	handles map[string]*process.Process

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryRSS  *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

func NewResourceCollector(cfg ResourceConfig, logger *slog.Logger) *ResourceCollector {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, []string{"name"})
	}
	return &ResourceCollector{
		enabled:    cfg.Enabled,
		interval:   interval,
		logger:     logger,
		latest:     make(map[string]ResourceSample),
		handles:    make(map[string]*process.Process),
		stopCh:     make(chan struct{}),
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of the service process."),
		memoryRSS:  gauge("memory_rss_bytes", "Resident set size of the service process."),
		numThreads: gauge("num_threads", "Number of threads of the service process."),
		numFDs:     gauge("num_fds", "Number of open file descriptors of the service process (Unix only)."),
	}
}

func (c *ResourceCollector) Enabled() bool { return c.enabled }

// Register adds the gauges to r. Disabled collectors register nothing.
func (c *ResourceCollector) Register(r prometheus.Registerer) error {
	if !c.enabled {
		return nil
	}
	cs := []prometheus.Collector{c.cpuPercent, c.memoryRSS, c.numThreads}
	if runtime.GOOS != "windows" {
		cs = append(cs, c.numFDs)
	}
	for _, col := range cs {
		if err := r.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples pids() every interval until ctx is done or Stop is called.
func (c *ResourceCollector) Start(ctx context.Context, pids func() map[string]int32) {
	if !c.enabled {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Collect(pids())
			}
		}
	}()
}

func (c *ResourceCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect takes one sample per entry and drops series for services that are
// no longer listed or whose pid changed.
func (c *ResourceCollector) Collect(pids map[string]int32) {
	now := time.Now()
	results := make(map[string]ResourceSample, len(pids))
	for name, pid := range pids {
		if pid <= 0 {
			continue
		}
		s, err := c.sample(name, pid, now)
		if err != nil {
			c.logger.Debug("Failed to sample service resources", "service", name, "pid", pid, "error", err)
			continue
		}
		results[name] = s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for name, s := range results {
		c.cpuPercent.WithLabelValues(name).Set(s.CPUPercent)
		c.memoryRSS.WithLabelValues(name).Set(float64(s.MemoryRSS))
		c.numThreads.WithLabelValues(name).Set(float64(s.NumThreads))
		if runtime.GOOS != "windows" {
			c.numFDs.WithLabelValues(name).Set(float64(s.NumFDs))
		}
		c.latest[name] = s
	}
	for name := range c.latest {
		if _, ok := results[name]; ok {
			continue
		}
		delete(c.latest, name)
		delete(c.handles, name)
		c.cpuPercent.DeleteLabelValues(name)
		c.memoryRSS.DeleteLabelValues(name)
		c.numThreads.DeleteLabelValues(name)
		c.numFDs.DeleteLabelValues(name)
	}
}

// sample keeps one gopsutil handle per service so CPUPercent measures the
// interval since the previous call.
func (c *ResourceCollector) sample(name string, pid int32, now time.Time) (ResourceSample, error) {
	c.mu.Lock()
	h, ok := c.handles[name]
	if !ok || h.Pid != pid {
		var err error
		h, err = process.NewProcess(pid)
		if err != nil {
			c.mu.Unlock()
			return ResourceSample{}, fmt.Errorf("open process: %w", err)
		}
		c.handles[name] = h
	}
	c.mu.Unlock()

	mem, err := h.MemoryInfo()
	if err != nil {
		return ResourceSample{}, fmt.Errorf("memory info: %w", err)
	}
	cpu, err := h.Percent(0)
	if err != nil {
		cpu = 0
	}
	threads, _ := h.NumThreads()
	s := ResourceSample{
		PID:        pid,
		Service:    name,
		CPUPercent: cpu,
		MemoryRSS:  mem.RSS,
		MemoryVMS:  mem.VMS,
		NumThreads: threads,
		Timestamp:  now,
	}
	if runtime.GOOS != "windows" {
		if fds, err := h.NumFDs(); err == nil {
			s.NumFDs = fds
		}
	}
	return s, nil
}

// Latest returns the most recent sample for a service.
func (c *ResourceCollector) Latest(name string) (ResourceSample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.latest[name]
	return s, ok
}

func (c *ResourceCollector) All() map[string]ResourceSample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]ResourceSample, len(c.latest))
	for k, v := range c.latest {
		out[k] = v
	}
	return out
}
