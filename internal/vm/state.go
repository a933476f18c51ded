package vm

import (
	"fmt"
	"strings"
)

// State is the operational state of a machine.
type State int32

const (
	StateStopped  State = iota // initial; no engine process
	StateStarting              // engine launch in flight
	StateStarted               // guest running
	StatePausing               // pause in flight
	StatePaused                // guest suspended
	StateResuming              // resume in flight
	StateStopping              // stop in flight
	StateBusy                  // exclusive work such as installation
	StateError                 // engine failure; left only through ClearError
)

var stateNames = [...]string{
	StateStopped:  "stopped",
	StateStarting: "starting",
	StateStarted:  "started",
	StatePausing:  "pausing",
	StatePaused:   "paused",
	StateResuming: "resuming",
	StateStopping: "stopping",
	StateBusy:     "busy",
	StateError:    "error",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// ParseState parses a state name as printed by String.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if strings.EqualFold(n, name) {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown state %q", name)
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Stable reports whether structural changes are legal in this state.
func (s State) Stable() bool {
	return s == StateStopped || s == StateStarted || s == StatePaused
}

// Transient reports whether an operation is in flight. Readers observing a
// transient state should retry later.
func (s State) Transient() bool {
	switch s {
	case StateStarting, StatePausing, StateResuming, StateStopping, StateBusy:
		return true
	default:
		return false
	}
}

// Terminal reports whether the machine has no engine process and may be
// removed.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateError
}
