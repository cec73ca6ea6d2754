package service

import "fmt"

// State is the lifecycle position of an Instance.
type State int32

const (
	Stopped State = iota
	Starting
	Running
	Unhealthy
	Restarting
	Failed
	Stopping
)

var stateNames = [...]string{
	Stopped:    "stopped",
	Starting:   "starting",
	Running:    "running",
	Unhealthy:  "unhealthy",
	Restarting: "restarting",
	Failed:     "failed",
	Stopping:   "stopping",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func ParseState(s string) (State, error) {
	for i, n := range stateNames {
		if n == s {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown state %q", s)
}

// Terminal states stay put until an explicit start or restart.
func (s State) Terminal() bool { return s == Stopped || s == Failed }

// CanRestart reports whether Restart is allowed from s.
func (s State) CanRestart() bool { return s == Running || s == Unhealthy || s == Failed }

// Settled states have a process whose health observations count.
func (s State) Settled() bool { return s == Running || s == Unhealthy || s == Failed }
