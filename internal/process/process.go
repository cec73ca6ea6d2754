// Package process owns the operating-system side of a supervised service:
// spawning, output routing, liveness checks and signalling.
package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"sync"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// killReapTimeout bounds how long Terminate waits for the kernel to report
// the exit after SIGKILL.
const killReapTimeout = 2 * time.Second

var ErrNoCommand = errors.New("empty command")

// Process is one running child. A single goroutine started by Start waits on
// the command; everything else observes the exit through Done.
type Process struct {
	spec Spec
	cmd  *exec.Cmd
	done chan struct{}

	mu        sync.Mutex
	exitErr   error
	startedAt time.Time
	stoppedAt time.Time
	outCloser io.WriteCloser
	errCloser io.WriteCloser
}

// Start launches the command described by spec.
func Start(spec Spec) (*Process, error) {
	if len(spec.Command) == 0 || spec.Command[0] == "" {
		return nil, ErrNoCommand
	}
	// #nosec G204 -- argv comes from the operator's service configuration
	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.WorkDir
	cmd.Env = slices.Clone(spec.Env)
	cmd.WaitDelay = time.Second
	configureSysProcAttr(cmd)

	p := &Process{spec: spec, cmd: cmd, done: make(chan struct{})}
	if err := p.routeOutput(); err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		p.closeWriters()
		return nil, fmt.Errorf("start %s: %w", spec.Name, err)
	}
	p.mu.Lock()
	p.startedAt = time.Now()
	p.mu.Unlock()
	go p.wait()
	return p, nil
}

func (p *Process) routeOutput() error {
	cfg := p.spec.Log
	if cfg.Dir == "" && cfg.StdoutPath == "" && cfg.StderrPath == "" {
		// nil Stdout/Stderr make os/exec connect them to the null device.
		return nil
	}
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
	}
	outW, errW, err := cfg.Writers(p.spec.Name)
	if err != nil {
		return err
	}
	p.outCloser, p.errCloser = outW, errW
	if outW != nil {
		p.cmd.Stdout = outW
	}
	if errW != nil {
		p.cmd.Stderr = errW
	}
	return nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.exitErr = err
	p.stoppedAt = time.Now()
	p.mu.Unlock()
	p.closeWriters()
	close(p.done)
}

func (p *Process) closeWriters() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.outCloser != nil {
		_ = p.outCloser.Close()
		p.outCloser = nil
	}
	if p.errCloser != nil {
		_ = p.errCloser.Close()
		p.errCloser = nil
	}
}

func (p *Process) Name() string { return p.spec.Name }

func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitErr returns the error from cmd.Wait; nil while running or on a clean exit.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

func (p *Process) StartedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startedAt
}

func (p *Process) StoppedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stoppedAt
}

// Alive is the cheap liveness check done before any network probe. A child
// that has exited but is not yet reaped shows up as a zombie and counts as dead.
func (p *Process) Alive() bool {
	if p.Exited() {
		return false
	}
	return PIDAlive(p.PID())
}

// PIDAlive reports whether pid exists and is not a zombie.
func PIDAlive(pid int) bool {
	if pid <= 0 || !signalZero(pid) {
		return false
	}
	if gp, err := gopsproc.NewProcess(int32(pid)); err == nil {
		if st, err := gp.Status(); err == nil && slices.Contains(st, gopsproc.Zombie) {
			return false
		}
	}
	return true
}

// Terminate asks the process group to exit, waits up to grace and then kills
// it. It returns once the process is reaped or the kill timeout expires.
func (p *Process) Terminate(grace time.Duration) error {
	if p.Exited() {
		return nil
	}
	pid := p.PID()
	if grace > 0 {
		if err := terminate(pid); err == nil {
			t := time.NewTimer(grace)
			defer t.Stop()
			select {
			case <-p.done:
				return nil
			case <-t.C:
			}
		}
	}
	return p.Kill()
}

// Kill sends SIGKILL to the process group and waits briefly for the reap.
func (p *Process) Kill() error {
	if p.Exited() {
		return nil
	}
	killErr := forceKill(p.PID())
	t := time.NewTimer(killReapTimeout)
	defer t.Stop()
	select {
	case <-p.done:
		return nil
	case <-t.C:
		if killErr != nil {
			return fmt.Errorf("kill %s (pid %d): %w", p.spec.Name, p.PID(), killErr)
		}
		return fmt.Errorf("kill %s (pid %d): not reaped after %s", p.spec.Name, p.PID(), killReapTimeout)
	}
}
