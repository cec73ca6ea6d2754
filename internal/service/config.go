package service

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/edgevisor/internal/health"
	"github.com/loykin/edgevisor/internal/logger"
)

// Defaults applied by WithDefaults.
const (
	DefaultStartupTimeout      = 30 * time.Second
	DefaultHealthCheckInterval = 10 * time.Second
	DefaultMaxRestartAttempts  = 3
	DefaultRestartDelay        = 2 * time.Second
	DefaultPortEnv             = "PORT"
	DefaultTokenEnv            = "APP_TOKEN"
)

type PortMode int

const (
	// PortAuto draws a free port from the allocator at every fresh start.
	PortAuto PortMode = iota
	PortExplicit
)

// PortSpec is the declared port of a service. The zero value is auto.
type PortSpec struct {
	Mode PortMode
	Port int
}

func AutoPort() PortSpec { return PortSpec{Mode: PortAuto} }

func ExplicitPort(n int) PortSpec { return PortSpec{Mode: PortExplicit, Port: n} }

// ParsePortSpec accepts "auto", "explicit:N" or a bare "N". The empty string is auto.
func ParsePortSpec(s string) (PortSpec, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	switch v {
	case "", "auto":
		return AutoPort(), nil
	}
	v = strings.TrimPrefix(v, "explicit:")
	n, err := strconv.Atoi(v)
	if err != nil {
		return PortSpec{}, fmt.Errorf("invalid port %q: want auto, explicit:N or N", s)
	}
	return ExplicitPort(n), nil
}

func (p PortSpec) String() string {
	if p.Mode == PortExplicit {
		return "explicit:" + strconv.Itoa(p.Port)
	}
	return "auto"
}

func (p PortSpec) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *PortSpec) UnmarshalText(b []byte) error {
	v, err := ParsePortSpec(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Config describes one supervised service. It is not modified after the
// supervisor is built.
type Config struct {
	Name    string            `json:"name"`
	Command []string          `json:"command"`
	WorkDir string            `json:"work_dir,omitempty"`
	Env     map[string]string `json:"-"`

	Port      PortSpec `json:"port"`
	HealthURL string   `json:"health_url,omitempty"`

	DependsOn []string `json:"depends_on,omitempty"`
	Required  bool     `json:"required"`

	StartupTimeout      time.Duration `json:"startup_timeout"`
	HealthCheckInterval time.Duration `json:"health_check_interval"`
	MaxRestartAttempts  int           `json:"max_restart_attempts"`
	RestartDelay        time.Duration `json:"restart_delay"`

	IssueToken bool   `json:"issue_token"`
	PortEnv    string `json:"port_env,omitempty"`
	TokenEnv   string `json:"token_env,omitempty"`

	Log logger.Config `json:"log,omitzero"`
}

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Validate reports the first problem with c wrapped in ErrInvalidConfig.
func (c Config) Validate() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}
	if c.Name == "" {
		return fail("service name is required")
	}
	if !validName.MatchString(c.Name) {
		return fail("service %q: name may only contain letters, digits, '.', '_' and '-'", c.Name)
	}
	if len(c.Command) == 0 || strings.TrimSpace(c.Command[0]) == "" {
		return fail("service %q: command is required", c.Name)
	}
	seen := make(map[string]struct{}, len(c.DependsOn))
	for _, d := range c.DependsOn {
		if d == c.Name {
			return fail("service %q depends on itself", c.Name)
		}
		if _, dup := seen[d]; dup {
			return fail("service %q lists dependency %q twice", c.Name, d)
		}
		seen[d] = struct{}{}
	}
	if c.Port.Mode == PortExplicit && (c.Port.Port < 1 || c.Port.Port > 65535) {
		return fail("service %q: port %d out of range 1-65535", c.Name, c.Port.Port)
	}
	switch {
	case c.StartupTimeout < 0:
		return fail("service %q: negative startup_timeout", c.Name)
	case c.HealthCheckInterval < 0:
		return fail("service %q: negative health_check_interval", c.Name)
	case c.RestartDelay < 0:
		return fail("service %q: negative restart_delay", c.Name)
	case c.MaxRestartAttempts < 0:
		return fail("service %q: negative max_restart_attempts", c.Name)
	}
	return nil
}

// WithDefaults returns c with zero values replaced by the package defaults.
func (c Config) WithDefaults() Config {
	if c.StartupTimeout == 0 {
		c.StartupTimeout = DefaultStartupTimeout
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if c.MaxRestartAttempts == 0 {
		c.MaxRestartAttempts = DefaultMaxRestartAttempts
	}
	if c.RestartDelay == 0 {
		c.RestartDelay = DefaultRestartDelay
	}
	if c.HealthURL == "" {
		c.HealthURL = health.DefaultURLTemplate
	}
	if c.PortEnv == "" {
		c.PortEnv = DefaultPortEnv
	}
	if c.TokenEnv == "" {
		c.TokenEnv = DefaultTokenEnv
	}
	return c
}
