package engine

// engineState is the lifecycle of an Engine.
type engineState int32

const (
	stateIdle engineState = iota
	stateStarting
	stateRunning
	stateStopping
	stateStopped
	stateError
)

// String returns the string representation of the state.
func (s engineState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateStarting:
		return "starting"
	case stateRunning:
		return "running"
	case stateStopping:
		return "stopping"
	case stateStopped:
		return "stopped"
	case stateError:
		return "error"
	default:
		return "unknown"
	}
}
