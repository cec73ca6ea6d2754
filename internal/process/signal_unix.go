//go:build !windows

package process

import (
	"errors"

	"golang.org/x/sys/unix"
)

// signalGroup delivers sig to the process group led by pid, falling back to
// the single process when the group is already gone.
func signalGroup(pid int, sig unix.Signal) error {
	if err := unix.Kill(-pid, sig); err == nil || !errors.Is(err, unix.ESRCH) {
		return err
	}
	return unix.Kill(pid, sig)
}

func terminate(pid int) error { return signalGroup(pid, unix.SIGTERM) }

func forceKill(pid int) error { return signalGroup(pid, unix.SIGKILL) }

// signalZero reports whether pid still exists.
func signalZero(pid int) bool { return unix.Kill(pid, 0) == nil }
