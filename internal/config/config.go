// Package config loads the edgevisor configuration file (TOML by default,
// YAML or JSON by extension) with viper and turns it into service configs
// and the global child environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/edgevisor/internal/env"
	"github.com/loykin/edgevisor/internal/logger"
	"github.com/loykin/edgevisor/internal/metrics"
	"github.com/loykin/edgevisor/internal/process"
	"github.com/loykin/edgevisor/internal/service"
	apitls "github.com/loykin/edgevisor/internal/tls"
)

// EnvPrefix is the prefix for environment overrides of scalar settings,
// for example EDGEVISOR_LOG_LEVEL or EDGEVISOR_API_LISTEN.
const EnvPrefix = "EDGEVISOR"

var ErrNoServices = errors.New("config defines no services")

// FileConfig represents the top-level file structure.
type FileConfig struct {
	Env      []string `mapstructure:"env"`
	EnvFiles []string `mapstructure:"env_files"`
	UseOSEnv bool     `mapstructure:"use_os_env"`

	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Log        logger.LogConfig `mapstructure:"log"`
	// ChildLog is the default stdout/stderr routing for every service.
	ChildLog logger.Config   `mapstructure:"child_log"`
	API      APIConfig       `mapstructure:"api"`
	Metrics  MetricsConfig   `mapstructure:"metrics"`
	History  []HistoryConfig `mapstructure:"history"`
	Services []ServiceEntry  `mapstructure:"services"`
}

type SupervisorConfig struct {
	PortRangeStart      int           `mapstructure:"port_range_start"`
	PortRangeSize       int           `mapstructure:"port_range_size"`
	ProbeTimeout        time.Duration `mapstructure:"probe_timeout"`
	StartupPollInterval time.Duration `mapstructure:"startup_poll_interval"`
	StopGrace           time.Duration `mapstructure:"stop_grace"`
}

// APIConfig enables the HTTP control surface when Listen is set.
type APIConfig struct {
	Listen   string        `mapstructure:"listen"`
	BasePath string        `mapstructure:"base_path"`
	TLS      apitls.Config `mapstructure:"tls"`
}

// MetricsConfig serves Prometheus metrics. With an empty Listen they are
// mounted on the API server.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`

	metrics.ResourceConfig `mapstructure:",squash"`
}

type HistoryConfig struct {
	DSN string `mapstructure:"dsn"`
}

// ServiceEntry is one [[services]] table. Command may be a string or a list,
// Port a string ("auto", "explicit:N", "N") or a number.
type ServiceEntry struct {
	Name                string         `mapstructure:"name"`
	Command             any            `mapstructure:"command"`
	WorkDir             string         `mapstructure:"workdir"`
	Env                 []string       `mapstructure:"env"`
	Port                any            `mapstructure:"port"`
	HealthURL           string         `mapstructure:"health_url"`
	DependsOn           []string       `mapstructure:"depends_on"`
	Required            bool           `mapstructure:"required"`
	StartupTimeout      time.Duration  `mapstructure:"startup_timeout"`
	HealthCheckInterval time.Duration  `mapstructure:"health_check_interval"`
	MaxRestartAttempts  int            `mapstructure:"max_restart_attempts"`
	RestartDelay        time.Duration  `mapstructure:"restart_delay"`
	IssueToken          bool           `mapstructure:"issue_token"`
	PortEnv             string         `mapstructure:"port_env"`
	TokenEnv            string         `mapstructure:"token_env"`
	Log                 *logger.Config `mapstructure:"log"`
}

// Config is a loaded and decoded configuration file.
type Config struct {
	FileConfig

	// Path is the file the config was read from.
	Path string
	// Services are decoded but not validated; the supervisor validates the
	// whole set at once.
	Services []service.Config
	// GlobalEnv is OS env (when enabled), env files and the top-level env.
	GlobalEnv *env.Env
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		v.SetConfigType("yaml")
	case ".json":
		v.SetConfigType("json")
	default:
		v.SetConfigType("toml")
	}
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", true)
	v.SetDefault("api.listen", "")
	v.SetDefault("api.base_path", "")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("supervisor.port_range_start", 0)
	v.SetDefault("supervisor.port_range_size", 0)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func readFile(path string) (FileConfig, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return FileConfig{}, fmt.Errorf("read config %s: %w", path, err)
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return FileConfig{}, fmt.Errorf("decode config %s: %w", path, err)
	}
	return fc, nil
}

// Load reads path and decodes every section.
func Load(path string) (*Config, error) {
	fc, err := readFile(path)
	if err != nil {
		return nil, err
	}
	if len(fc.Services) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrNoServices)
	}
	base := filepath.Dir(path)
	fc.EnvFiles = resolvePaths(base, fc.EnvFiles)
	tc := &fc.API.TLS
	tc.CertFile = resolvePath(base, tc.CertFile)
	tc.KeyFile = resolvePath(base, tc.KeyFile)
	tc.Dir = resolvePath(base, tc.Dir)

	genv, err := globalEnv(fc)
	if err != nil {
		return nil, err
	}
	svcs := make([]service.Config, 0, len(fc.Services))
	for k, se := range fc.Services {
		sc, err := se.toService(fc.ChildLog)
		if err != nil {
			name := se.Name
			if name == "" {
				name = fmt.Sprintf("#%d", k+1)
			}
			return nil, fmt.Errorf("%w: service %s: %v", service.ErrInvalidConfig, name, err)
		}
		svcs = append(svcs, sc)
	}
	return &Config{FileConfig: fc, Path: path, Services: svcs, GlobalEnv: genv}, nil
}

func (se ServiceEntry) toService(childLog logger.Config) (service.Config, error) {
	argv, err := decodeCommand(se.Command)
	if err != nil {
		return service.Config{}, err
	}
	port, err := decodePort(se.Port)
	if err != nil {
		return service.Config{}, err
	}
	logCfg := childLog
	if se.Log != nil {
		logCfg = logCfg.Merge(*se.Log)
	}
	var vars map[string]string
	if len(se.Env) > 0 {
		vars = env.ParseKV(se.Env)
	}
	return service.Config{
		Name:                se.Name,
		Command:             argv,
		WorkDir:             se.WorkDir,
		Env:                 vars,
		Port:                port,
		HealthURL:           se.HealthURL,
		DependsOn:           se.DependsOn,
		Required:            se.Required,
		StartupTimeout:      se.StartupTimeout,
		HealthCheckInterval: se.HealthCheckInterval,
		MaxRestartAttempts:  se.MaxRestartAttempts,
		RestartDelay:        se.RestartDelay,
		IssueToken:          se.IssueToken,
		PortEnv:             se.PortEnv,
		TokenEnv:            se.TokenEnv,
		Log:                 logCfg,
	}, nil
}

func decodeCommand(v any) ([]string, error) {
	switch c := v.(type) {
	case nil:
		return nil, nil
	case string:
		return process.SplitCommand(c), nil
	case []string:
		return c, nil
	case []any:
		argv := make([]string, 0, len(c))
		for _, a := range c {
			s, ok := a.(string)
			if !ok {
				return nil, fmt.Errorf("command element %v is not a string", a)
			}
			argv = append(argv, s)
		}
		return argv, nil
	default:
		return nil, fmt.Errorf("command must be a string or a list, got %T", v)
	}
}

func decodePort(v any) (service.PortSpec, error) {
	switch p := v.(type) {
	case nil:
		return service.AutoPort(), nil
	case string:
		return service.ParsePortSpec(p)
	case int:
		return service.ExplicitPort(p), nil
	case int64:
		return service.ExplicitPort(int(p)), nil
	case float64:
		if p != float64(int(p)) {
			return service.PortSpec{}, fmt.Errorf("port %v is not an integer", p)
		}
		return service.ExplicitPort(int(p)), nil
	default:
		return service.PortSpec{}, fmt.Errorf("port must be auto, explicit:N or a number, got %T", v)
	}
}

func resolvePaths(base string, paths []string) []string {
	out := make([]string, len(paths))
	for k, p := range paths {
		out[k] = resolvePath(base, p)
	}
	return out
}

func resolvePath(base, p string) string {
	if p != "" && !filepath.IsAbs(p) {
		return filepath.Join(base, p)
	}
	return p
}

// globalEnv composes the child base environment: OS env when use_os_env is
// set, then env files in order, then the top-level env list.
func globalEnv(fc FileConfig) (*env.Env, error) {
	e := env.New()
	if fc.UseOSEnv {
		e = env.FromOS()
	}
	for _, p := range fc.EnvFiles {
		pairs, err := LoadEnvFile(p)
		if err != nil {
			return nil, err
		}
		e = e.WithVars(pairs)
	}
	return e.WithVars(fc.Env), nil
}

// LoadGlobalEnv reads only the environment sections of path and returns the
// composed variables as sorted KEY=VALUE pairs. Values are not expanded.
func LoadGlobalEnv(path string) ([]string, error) {
	fc, err := readFile(path)
	if err != nil {
		return nil, err
	}
	fc.EnvFiles = resolvePaths(filepath.Dir(path), fc.EnvFiles)
	e, err := globalEnv(fc)
	if err != nil {
		return nil, err
	}
	return e.Resolve().List(), nil
}

// LoadEnvFile parses a .env file and returns its KEY=VALUE entries in file
// order. Blank lines, comments and an "export " prefix are ignored, and
// surrounding quotes are stripped from values.
func LoadEnvFile(path string) ([]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read env file: %w", err)
	}
	var out []string
	for n, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := strings.Cut(line, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("%s:%d: expected KEY=VALUE", path, n+1)
		}
		out = append(out, k+"="+unquote(strings.TrimSpace(v)))
	}
	return out, nil
}

func unquote(v string) string {
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			return v[1 : len(v)-1]
		}
	}
	return v
}
