//go:build !windows

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/edgevisor/internal/health"
	"github.com/loykin/edgevisor/internal/portalloc"
	"github.com/loykin/edgevisor/internal/process"
	"github.com/loykin/edgevisor/internal/testutil"
)

func TestMain(m *testing.M) {
	testutil.RunHelperIfRequested()
	os.Exit(m.Run())
}

func freePortBase(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	p := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return p
}

func testOptions(t *testing.T) Options {
	return Options{
		Ports:               portalloc.New(freePortBase(t), 500),
		StartupPollInterval: 20 * time.Millisecond,
		StopGrace:           time.Second,
		ProbeTimeout:        500 * time.Millisecond,
	}
}

func helperConfig(name, mode string, extra map[string]string) Config {
	return Config{
		Name:               name,
		Command:            testutil.HelperCommand(),
		Env:                testutil.HelperEnv(mode, extra),
		StartupTimeout:     5 * time.Second,
		RestartDelay:       10 * time.Millisecond,
		MaxRestartAttempts: 3,
	}
}

func stopOnCleanup(t *testing.T, i *Instance) {
	t.Cleanup(func() { _ = i.Stop(time.Second) })
}

func get(t *testing.T, url string) string {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestStartReachesRunningAndInjectsEnv(t *testing.T) {
	cfg := helperConfig("api", testutil.ModeServe, nil)
	cfg.IssueToken = true
	cfg.Command = append(cfg.Command, "--listen=${PORT}")
	inst := New(cfg, testOptions(t))
	stopOnCleanup(t, inst)

	require.NoError(t, inst.Start(context.Background()))
	st := inst.Status()
	assert.Equal(t, Running, st.State)
	assert.Greater(t, st.PID, 0)
	assert.Greater(t, st.Port, 0)
	assert.NotEmpty(t, st.RunID)
	assert.False(t, st.StartedAt.IsZero())
	require.NotNil(t, st.LastResult)
	assert.True(t, st.LastResult.IsHealthy())

	lines := strings.Split(get(t, fmt.Sprintf("http://127.0.0.1:%d/env", st.Port)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, fmt.Sprint(st.Port), lines[0])
	assert.Len(t, lines[1], 64, "token is 32 hex-encoded bytes")
	assert.Equal(t, inst.Token(), lines[1])
	assert.Equal(t, fmt.Sprintf("--listen=%d", st.Port), lines[2])

	// the token never reaches the serialized snapshot
	b, err := json.Marshal(st)
	require.NoError(t, err)
	assert.NotContains(t, string(b), inst.Token())
}

func TestStartExplicitPort(t *testing.T) {
	opts := testOptions(t)
	port := freePortBase(t)
	cfg := helperConfig("fixed", testutil.ModeServe, nil)
	cfg.Port = ExplicitPort(port)
	cfg.HealthURL = "/health"
	inst := New(cfg, opts)
	stopOnCleanup(t, inst)
	assert.True(t, opts.Ports.Reserved(port))

	require.NoError(t, inst.Start(context.Background()))
	assert.Equal(t, port, inst.Status().Port)
}

func TestStartProcessExitedEarly(t *testing.T) {
	inst := New(helperConfig("crash", testutil.ModeExit, nil), testOptions(t))
	stopOnCleanup(t, inst)

	begin := time.Now()
	err := inst.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProcessExitedEarly)
	assert.Contains(t, err.Error(), "exit status 3")
	assert.Less(t, time.Since(begin), 3*time.Second, "must not wait for the startup timeout")
	assert.Equal(t, Failed, inst.State())
	assert.NotEmpty(t, inst.Status().LastError)
}

func TestStartTimeoutKillsProcess(t *testing.T) {
	cfg := helperConfig("slow", testutil.ModeHang, nil)
	cfg.StartupTimeout = 300 * time.Millisecond
	inst := New(cfg, testOptions(t))
	stopOnCleanup(t, inst)

	err := inst.Start(context.Background())
	require.ErrorIs(t, err, ErrStartupTimeout)
	st := inst.Status()
	assert.Equal(t, Failed, st.State)
	assert.False(t, process.PIDAlive(st.PID), "timed out process must be killed")
}

func TestStartMissingBinaryFails(t *testing.T) {
	cfg := helperConfig("missing", testutil.ModeServe, nil)
	cfg.Command = []string{"/nonexistent/edgevisor-binary"}
	inst := New(cfg, testOptions(t))
	require.Error(t, inst.Start(context.Background()))
	assert.Equal(t, Failed, inst.State())
}

func TestStartRejectsWhenDependencyNotRunning(t *testing.T) {
	opts := testOptions(t)
	called := false
	opts.DependencyCheck = func(deps []string) error {
		called = true
		return fmt.Errorf("%w: %s", ErrDependencyNotRunning, deps[0])
	}
	cfg := helperConfig("web", testutil.ModeServe, nil)
	cfg.DependsOn = []string{"db"}
	inst := New(cfg, opts)

	err := inst.Start(context.Background())
	require.ErrorIs(t, err, ErrDependencyNotRunning)
	assert.True(t, called)
	st := inst.Status()
	assert.Equal(t, Failed, st.State)
	assert.Zero(t, st.PID, "process must never be spawned")
	assert.Zero(t, st.Port)
}

func TestStartWhileRunningIsInvalid(t *testing.T) {
	inst := New(helperConfig("twice", testutil.ModeServe, nil), testOptions(t))
	stopOnCleanup(t, inst)
	require.NoError(t, inst.Start(context.Background()))
	assert.ErrorIs(t, inst.Start(context.Background()), ErrInvalidState)
}

func TestProbeHealthTracksFailureStreak(t *testing.T) {
	flag := filepath.Join(t.TempDir(), "health")
	inst := New(helperConfig("flaky", testutil.ModeServe, map[string]string{testutil.EnvHealthFile: flag}), testOptions(t))
	stopOnCleanup(t, inst)
	require.NoError(t, inst.Start(context.Background()))

	testutil.WriteFile(flag, "down")
	for n := 1; n <= 2; n++ {
		res := inst.ProbeHealth(context.Background())
		assert.Equal(t, health.KindUnhealthy, res.Kind)
		assert.Equal(t, n, inst.Status().ConsecutiveFailures)
	}
	// Probe does not record anything
	inst.Probe(context.Background())
	assert.Equal(t, 2, inst.Status().ConsecutiveFailures)

	testutil.WriteFile(flag, "up")
	assert.True(t, inst.ProbeHealth(context.Background()).IsHealthy())
	st := inst.Status()
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.False(t, st.LastCheck.IsZero())
}

func TestProbeHealthDeadProcess(t *testing.T) {
	inst := New(helperConfig("dies", testutil.ModeServe, nil), testOptions(t))
	stopOnCleanup(t, inst)
	require.NoError(t, inst.Start(context.Background()))

	p, err := os.FindProcess(inst.Status().PID)
	require.NoError(t, err)
	require.NoError(t, p.Kill())

	require.Eventually(t, func() bool {
		return inst.ProbeHealth(context.Background()).Kind == health.KindProcessDead
	}, 3*time.Second, 20*time.Millisecond)
}

func TestRestartDrawsFreshPortAndToken(t *testing.T) {
	cfg := helperConfig("auto", testutil.ModeServe, nil)
	cfg.IssueToken = true
	opts := testOptions(t)
	inst := New(cfg, opts)
	stopOnCleanup(t, inst)
	require.NoError(t, inst.Start(context.Background()))
	before := inst.Status()
	tok := inst.Token()

	require.NoError(t, inst.Restart(context.Background()))
	after := inst.Status()
	assert.Equal(t, Running, after.State)
	assert.Equal(t, 1, after.RestartCount)
	assert.NotEqual(t, before.PID, after.PID)
	assert.NotEqual(t, before.RunID, after.RunID)
	assert.NotEqual(t, before.Port, after.Port)
	assert.NotEqual(t, tok, inst.Token())
	assert.False(t, opts.Ports.Reserved(before.Port), "old reservation is released")
	assert.True(t, opts.Ports.Reserved(after.Port))
	assert.False(t, process.PIDAlive(before.PID))
}

func TestRestartExplicitPortKeepsPortAndToken(t *testing.T) {
	cfg := helperConfig("pinned", testutil.ModeServe, nil)
	cfg.Port = ExplicitPort(freePortBase(t))
	cfg.IssueToken = true
	inst := New(cfg, testOptions(t))
	stopOnCleanup(t, inst)
	require.NoError(t, inst.Start(context.Background()))
	tok := inst.Token()

	require.NoError(t, inst.Restart(context.Background()))
	assert.Equal(t, cfg.Port.Port, inst.Status().Port)
	assert.Equal(t, tok, inst.Token())
}

func TestRestartBudget(t *testing.T) {
	cfg := helperConfig("budget", testutil.ModeServe, nil)
	cfg.MaxRestartAttempts = 2
	inst := New(cfg, testOptions(t))
	stopOnCleanup(t, inst)
	require.NoError(t, inst.Start(context.Background()))

	require.NoError(t, inst.Restart(context.Background()))
	require.NoError(t, inst.Restart(context.Background()))
	pid := inst.Status().PID

	err := inst.Restart(context.Background())
	require.ErrorIs(t, err, ErrRestartBudgetExhausted)
	assert.True(t, IsBudgetExhausted(err))
	st := inst.Status()
	assert.Equal(t, Failed, st.State)
	assert.Equal(t, 2, st.RestartCount)
	assert.Equal(t, pid, st.PID, "no spawn after the budget is spent")

	inst.ResetRestarts()
	assert.Equal(t, 0, inst.Status().RestartCount)
	require.NoError(t, inst.Restart(context.Background()))
	assert.Equal(t, Running, inst.State())
}

func TestRestartInvalidStates(t *testing.T) {
	inst := New(helperConfig("idle", testutil.ModeServe, nil), testOptions(t))
	assert.ErrorIs(t, inst.Restart(context.Background()), ErrInvalidState)

	require.NoError(t, inst.Start(context.Background()))
	require.NoError(t, inst.Stop(time.Second))
	assert.ErrorIs(t, inst.Restart(context.Background()), ErrStopped)
}

func TestStopDuringRestartDelayWins(t *testing.T) {
	cfg := helperConfig("slowrestart", testutil.ModeServe, nil)
	cfg.RestartDelay = 10 * time.Second
	inst := New(cfg, testOptions(t))
	require.NoError(t, inst.Start(context.Background()))

	errCh := make(chan error, 1)
	go func() { errCh <- inst.Restart(context.Background()) }()
	require.Eventually(t, func() bool { return inst.State() == Restarting }, 3*time.Second, 5*time.Millisecond)

	begin := time.Now()
	require.NoError(t, inst.Stop(time.Second))
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(3 * time.Second):
		t.Fatal("restart did not return after stop")
	}
	assert.Less(t, time.Since(begin), 5*time.Second)

	st := inst.Status()
	assert.Equal(t, Stopped, st.State)
	assert.Zero(t, st.PID)
	assert.Zero(t, st.RestartCount)
	// give a straggler a chance to misbehave
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, Stopped, inst.State())
}

func TestStopDuringStartupWins(t *testing.T) {
	cfg := helperConfig("hanging", testutil.ModeHang, nil)
	cfg.StartupTimeout = 30 * time.Second
	inst := New(cfg, testOptions(t))

	errCh := make(chan error, 1)
	go func() { errCh <- inst.Start(context.Background()) }()
	require.Eventually(t, func() bool { return inst.Status().PID > 0 }, 3*time.Second, 5*time.Millisecond)
	pid := inst.Status().PID

	require.NoError(t, inst.Stop(time.Second))
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(3 * time.Second):
		t.Fatal("start did not return after stop")
	}
	assert.Equal(t, Stopped, inst.State())
	assert.False(t, process.PIDAlive(pid))
	assert.Error(t, inst.Context().Err())
}

func TestStopReleasesPortAndAllowsRestartFromScratch(t *testing.T) {
	opts := testOptions(t)
	inst := New(helperConfig("cycle", testutil.ModeServe, nil), opts)
	stopOnCleanup(t, inst)
	require.NoError(t, inst.Start(context.Background()))
	port := inst.Status().Port
	require.NoError(t, inst.Stop(time.Second))
	assert.False(t, opts.Ports.Reserved(port))
	assert.NoError(t, inst.Stop(time.Second), "stop is idempotent")

	require.NoError(t, inst.Start(context.Background()))
	assert.Equal(t, Running, inst.State())
	assert.NoError(t, inst.Context().Err())
}

func TestMarkUnhealthyAndRunning(t *testing.T) {
	inst := New(helperConfig("marks", testutil.ModeServe, nil), testOptions(t))
	assert.False(t, inst.MarkUnhealthy("", "x"), "only a running instance can turn unhealthy")
	stopOnCleanup(t, inst)
	require.NoError(t, inst.Start(context.Background()))
	run := inst.Status().RunID

	assert.False(t, inst.MarkUnhealthy("other", "status 503"))
	assert.Equal(t, Running, inst.State())
	assert.True(t, inst.MarkUnhealthy(run, "status 503"))
	assert.Equal(t, Unhealthy, inst.State())
	inst.MarkRunning("other")
	assert.Equal(t, Unhealthy, inst.State())
	inst.MarkRunning(run)
	assert.Equal(t, Running, inst.State())
}

func TestRestartRunIgnoresReplacedRun(t *testing.T) {
	inst := New(helperConfig("scoped", testutil.ModeServe, nil), testOptions(t))
	stopOnCleanup(t, inst)
	require.NoError(t, inst.Start(context.Background()))
	res, old := inst.ProbeRun(context.Background())
	require.True(t, res.IsHealthy())
	assert.Equal(t, inst.Status().RunID, old)

	require.NoError(t, inst.Restart(context.Background()))
	fresh := inst.Status()
	require.Equal(t, 1, fresh.RestartCount)

	assert.ErrorIs(t, inst.RestartRun(context.Background(), old), ErrRunReplaced)
	assert.False(t, inst.MarkUnhealthy(old, "process gone"))
	st := inst.Status()
	assert.Equal(t, Running, st.State)
	assert.Equal(t, 1, st.RestartCount)
	assert.Equal(t, fresh.PID, st.PID)

	require.NoError(t, inst.RestartRun(context.Background(), fresh.RunID))
	assert.Equal(t, 2, inst.Status().RestartCount)
}

func TestTransitionsAreReportedInOrder(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	opts := testOptions(t)
	opts.OnTransition = func(tr Transition) {
		mu.Lock()
		seen = append(seen, tr.From.String()+">"+tr.To.String())
		mu.Unlock()
		assert.Equal(t, tr.To, tr.Status.State)
	}
	inst := New(helperConfig("events", testutil.ModeServe, nil), opts)
	require.NoError(t, inst.Start(context.Background()))
	require.NoError(t, inst.Restart(context.Background()))
	require.NoError(t, inst.Stop(time.Second))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"stopped>starting", "starting>running",
		"running>restarting", "restarting>running",
		"running>stopping", "stopping>stopped",
	}, seen)
}

func TestConcurrentStartsGetDistinctPorts(t *testing.T) {
	opts := testOptions(t)
	var insts []*Instance
	for n := 0; n < 4; n++ {
		inst := New(helperConfig(fmt.Sprintf("svc%d", n), testutil.ModeServe, nil), opts)
		stopOnCleanup(t, inst)
		insts = append(insts, inst)
	}
	var wg sync.WaitGroup
	errs := make([]error, len(insts))
	for k, inst := range insts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[k] = inst.Start(context.Background())
		}()
	}
	wg.Wait()
	ports := map[int]bool{}
	for k, inst := range insts {
		require.NoError(t, errs[k])
		ports[inst.Status().Port] = true
	}
	assert.Len(t, ports, len(insts))
}

func TestStartCancelledContext(t *testing.T) {
	cfg := helperConfig("cancel", testutil.ModeHang, nil)
	inst := New(cfg, testOptions(t))
	stopOnCleanup(t, inst)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := inst.Start(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, Failed, inst.State())
}
