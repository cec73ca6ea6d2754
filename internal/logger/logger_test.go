package logger

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func TestWriters_WithDirOnly(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Dir: dir}
	outW, errW, err := cfg.Writers("demo")
	require.NoError(t, err)
	require.NotNil(t, outW)
	require.NotNil(t, errW)
	_, _ = outW.Write([]byte("hello-out\n"))
	_, _ = errW.Write([]byte("hello-err\n"))
	closeIf(outW)
	closeIf(errW)

	_, err = os.Stat(filepath.Join(dir, "demo.stdout.log"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "demo.stderr.log"))
	assert.NoError(t, err)
}

func TestWriters_ExplicitPathsOverrideDir(t *testing.T) {
	dir := t.TempDir()
	sp := filepath.Join(dir, "s.out.log")
	cfg := Config{Dir: dir, StdoutPath: sp}
	outW, errW, err := cfg.Writers("svc")
	require.NoError(t, err)
	defer closeIf(outW)
	defer closeIf(errW)

	lo, ok := outW.(*lj.Logger)
	require.True(t, ok)
	assert.Equal(t, sp, lo.Filename)
	le, ok := errW.(*lj.Logger)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "svc.stderr.log"), le.Filename)
}

func TestWriters_DefaultsAndNone(t *testing.T) {
	outW, errW, err := Config{}.Writers("x")
	require.NoError(t, err)
	assert.Nil(t, outW)
	assert.Nil(t, errW)

	outW, _, err = Config{StdoutPath: filepath.Join(t.TempDir(), "o.log"), MaxSizeMB: 1}.Writers("x")
	require.NoError(t, err)
	l := outW.(*lj.Logger)
	assert.Equal(t, 1, l.MaxSize)
	assert.Equal(t, DefaultMaxBackups, l.MaxBackups)
	assert.Equal(t, DefaultMaxAgeDays, l.MaxAge)
}

func TestMerge(t *testing.T) {
	base := Config{Dir: "/var/log/edge", MaxSizeMB: 5}
	got := base.Merge(Config{StderrPath: "/tmp/err.log", Compress: true})
	assert.Equal(t, Config{Dir: "/var/log/edge", StderrPath: "/tmp/err.log", MaxSizeMB: 5, Compress: true}, got)
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{"": slog.LevelInfo, "DEBUG": slog.LevelDebug, "warning": slog.LevelWarn, "error": slog.LevelError} {
		got, err := ParseLevel(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestSetup_JSONToWriter(t *testing.T) {
	var buf bytes.Buffer
	l, closer, err := Setup(LogConfig{Level: "debug", Format: "json"}, &buf)
	require.NoError(t, err)
	assert.Nil(t, closer)
	l.Debug("Service started", "service", "api", "pid", 42)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "Service started", rec["msg"])
	assert.Equal(t, "api", rec["service"])
}

func TestSetup_TextLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l, _, err := Setup(LogConfig{Level: "warn", Color: true}, &buf)
	require.NoError(t, err)
	l.Info("hidden")
	l.Warn("shown")
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.NotContains(t, out, "\033[", "color only applies on a terminal")
}

func TestSetup_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edge.log")
	l, closer, err := Setup(LogConfig{File: path, Format: "text"}, os.Stderr)
	require.NoError(t, err)
	require.NotNil(t, closer)
	l.Info("to file")
	require.NoError(t, closer.Close())
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(b), "to file"))
}

func TestSetup_BadFormat(t *testing.T) {
	_, _, err := Setup(LogConfig{Format: "xml"}, io.Discard)
	assert.Error(t, err)
}

func TestColorTextHandler(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(NewColorTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false)).With("service", "api")
	l.Error("boom")
	out := buf.String()
	assert.Contains(t, out, "\033[31m")
	assert.Contains(t, out, "service=api")
	assert.NotContains(t, out, "time=")
}
