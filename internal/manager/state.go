package manager

import "time"

// State is the lifecycle state of the managed server.
//
// Stopped -> Starting -> Running -> Stopping -> Stopped
//
// Crashed is entered when the child exits without a stop being requested,
// either during startup or while Running. The only way out of Crashed is a
// new Start.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// StateChange is delivered to subscribers on every transition. Err is set
// when the transition was caused by a failure (crash, startup timeout).
type StateChange struct {
	From State
	To   State
	When time.Time
	Err  error
}
