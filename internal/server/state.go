package server

// State is the lifecycle state of a Server.
type State int

const (
	StateUninitialized State = iota
	StateReady
	StateStepping
	StateFailed
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateStepping:
		return "stepping"
	case StateFailed:
		return "failed"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
