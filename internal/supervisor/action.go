package supervisor

import (
	"context"
	"fmt"
)

// Action is a control-plane operation on one service.
type Action int

const (
	ActionStart Action = iota + 1
	ActionStop
	ActionRestart
)

func (a Action) String() string {
	switch a {
	case ActionStart:
		return "start"
	case ActionStop:
		return "stop"
	case ActionRestart:
		return "restart"
	default:
		return "unknown"
	}
}

// ParseAction matches the exact lower-case action name.
func ParseAction(s string) (Action, error) {
	switch s {
	case "start":
		return ActionStart, nil
	case "stop":
		return ActionStop, nil
	case "restart":
		return ActionRestart, nil
	}
	return 0, fmt.Errorf("unknown action %q", s)
}

type actionFunc func(ctx context.Context, name string) error

func (s *Supervisor) buildActions() map[Action]actionFunc {
	return map[Action]actionFunc{
		ActionStart: s.StartService,
		ActionStop: func(_ context.Context, name string) error {
			return s.StopService(name, s.opts.StopGrace)
		},
		ActionRestart: s.RestartService,
	}
}

// Do runs action against the named service.
func (s *Supervisor) Do(ctx context.Context, action Action, name string) error {
	fn, ok := s.actions[action]
	if !ok {
		return fmt.Errorf("unsupported action %d", int(action))
	}
	return fn(ctx, name)
}
