// Package logger configures the supervisor's structured logging and the
// rotating files that capture each child's stdout and stderr.
package logger

import (
	"io"
	"path/filepath"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation parameters.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes where a child's output goes. If StdoutPath/StderrPath are
// empty and Dir is set, files are Dir/<name>.stdout.log and Dir/<name>.stderr.log.
// With nothing set, output is discarded.
type Config struct {
	Dir        string `json:"dir,omitempty" mapstructure:"dir"`
	StdoutPath string `json:"stdout,omitempty" mapstructure:"stdout"`
	StderrPath string `json:"stderr,omitempty" mapstructure:"stderr"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty" mapstructure:"max_size_mb"`
	MaxBackups int    `json:"max_backups,omitempty" mapstructure:"max_backups"`
	MaxAgeDays int    `json:"max_age_days,omitempty" mapstructure:"max_age_days"`
	Compress   bool   `json:"compress,omitempty" mapstructure:"compress"`
}

// Merge returns c with every non-zero field of override applied.
func (c Config) Merge(override Config) Config {
	if override.Dir != "" {
		c.Dir = override.Dir
	}
	if override.StdoutPath != "" {
		c.StdoutPath = override.StdoutPath
	}
	if override.StderrPath != "" {
		c.StderrPath = override.StderrPath
	}
	if override.MaxSizeMB != 0 {
		c.MaxSizeMB = override.MaxSizeMB
	}
	if override.MaxBackups != 0 {
		c.MaxBackups = override.MaxBackups
	}
	if override.MaxAgeDays != 0 {
		c.MaxAgeDays = override.MaxAgeDays
	}
	if override.Compress {
		c.Compress = true
	}
	return c
}

// Writers returns rotating writers for stdout and stderr of the named service.
// Either may be nil when no destination is configured for it.
func (c Config) Writers(name string) (io.WriteCloser, io.WriteCloser, error) {
	stdout := c.StdoutPath
	stderr := c.StderrPath
	if stdout == "" && c.Dir != "" {
		stdout = filepath.Join(c.Dir, name+".stdout.log")
	}
	if stderr == "" && c.Dir != "" {
		stderr = filepath.Join(c.Dir, name+".stderr.log")
	}
	var outW, errW io.WriteCloser
	if stdout != "" {
		outW = c.rotating(stdout)
	}
	if stderr != "" {
		errW = c.rotating(stderr)
	}
	return outW, errW, nil
}

func (c Config) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
