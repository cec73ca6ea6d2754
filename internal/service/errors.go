package service

import (
	"errors"

	"github.com/loykin/edgevisor/internal/portalloc"
)

var (
	ErrInvalidConfig          = errors.New("invalid service config")
	ErrDependencyNotRunning   = errors.New("dependency not running")
	ErrStartupTimeout         = errors.New("startup timeout")
	ErrProcessExitedEarly     = errors.New("process exited before becoming healthy")
	ErrRestartBudgetExhausted = errors.New("restart budget exhausted")
	// ErrStopped means a stop won the race against a start or restart.
	ErrStopped      = errors.New("service stopped")
	ErrInvalidState = errors.New("invalid state for operation")
	// ErrRunReplaced means the run a restart was aimed at is already gone.
	ErrRunReplaced = errors.New("run already replaced")

	ErrResourceExhausted = portalloc.ErrResourceExhausted
)
