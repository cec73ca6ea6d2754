//go:build !windows

package process

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/loykin/edgevisor/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitUntil(timeout, step time.Duration, fn func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return true
		}
		time.Sleep(step)
	}
	return fn()
}

func TestStart_EmptyCommand(t *testing.T) {
	_, err := Start(Spec{Name: "empty"})
	assert.ErrorIs(t, err, ErrNoCommand)
}

func TestStart_MissingBinary(t *testing.T) {
	_, err := Start(Spec{Name: "missing", Command: []string{"/definitely/not/here"}})
	assert.Error(t, err)
}

func TestAliveAndTerminate(t *testing.T) {
	p, err := Start(Spec{Name: "sleeper", Command: []string{"sleep", "30"}})
	require.NoError(t, err)
	assert.Greater(t, p.PID(), 0)
	assert.True(t, p.Alive())
	assert.False(t, p.StartedAt().IsZero())

	start := time.Now()
	require.NoError(t, p.Terminate(2*time.Second))
	assert.Less(t, time.Since(start), 2*time.Second, "sleep exits on SIGTERM")
	assert.True(t, p.Exited())
	assert.False(t, p.Alive())
	assert.Error(t, p.ExitErr(), "terminated by signal")
	assert.False(t, p.StoppedAt().IsZero())
}

func TestTerminate_EscalatesToKill(t *testing.T) {
	p, err := Start(Spec{Name: "stubborn", Command: []string{"/bin/sh", "-c", "trap '' TERM; sleep 30"}})
	require.NoError(t, err)
	// give the shell time to install the trap
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	require.NoError(t, p.Terminate(200*time.Millisecond))
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, 3*time.Second)
	assert.True(t, p.Exited())
}

func TestDoneClosesOnNaturalExit(t *testing.T) {
	p, err := Start(Spec{Name: "quick", Command: []string{"/bin/sh", "-c", "exit 3"}})
	require.NoError(t, err)
	select {
	case <-p.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("process did not exit")
	}
	assert.False(t, p.Alive())
	assert.ErrorContains(t, p.ExitErr(), "exit status 3")
	assert.NoError(t, p.Terminate(time.Second), "terminating an exited process is a no-op")
}

func TestEnvAndWorkDir(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.txt")
	p, err := Start(Spec{
		Name:    "env",
		Command: []string{"/bin/sh", "-c", `printf "%s|%s" "$PORT" "$(pwd)" > out.txt`},
		WorkDir: dir,
		Env:     []string{"PORT=8123", "PATH=" + os.Getenv("PATH")},
	})
	require.NoError(t, err)
	<-p.Done()
	b, err := os.ReadFile(out)
	require.NoError(t, err)
	parts := strings.SplitN(string(b), "|", 2)
	require.Len(t, parts, 2)
	assert.Equal(t, "8123", parts[0])
	resolved, _ := filepath.EvalSymlinks(dir)
	got, _ := filepath.EvalSymlinks(parts[1])
	assert.Equal(t, resolved, got)
}

func TestOutputRouting(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	p, err := Start(Spec{
		Name:    "chatty",
		Command: []string{"/bin/sh", "-c", "echo out-line; echo err-line 1>&2"},
		Log:     logger.Config{Dir: dir},
	})
	require.NoError(t, err)
	<-p.Done()
	ok := waitUntil(time.Second, 20*time.Millisecond, func() bool {
		b, err := os.ReadFile(filepath.Join(dir, "chatty.stdout.log"))
		return err == nil && strings.Contains(string(b), "out-line")
	})
	assert.True(t, ok, "stdout captured")
	b, err := os.ReadFile(filepath.Join(dir, "chatty.stderr.log"))
	require.NoError(t, err)
	assert.Contains(t, string(b), "err-line")
}

func TestKillReachesProcessGroup(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "child.pid")
	p, err := Start(Spec{Name: "group", Command: []string{"/bin/sh", "-c", "sleep 30 & echo $! > " + pidFile + "; wait"}})
	require.NoError(t, err)
	require.True(t, waitUntil(2*time.Second, 20*time.Millisecond, func() bool {
		b, err := os.ReadFile(pidFile)
		return err == nil && strings.HasSuffix(string(b), "\n")
	}))
	require.NoError(t, p.Kill())
	b, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	child, err := strconv.Atoi(strings.TrimSpace(string(b)))
	require.NoError(t, err)
	assert.True(t, waitUntil(2*time.Second, 20*time.Millisecond, func() bool {
		return !PIDAlive(child)
	}), "grandchild killed with the group")
}
