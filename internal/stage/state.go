package stage

// State represents the lifecycle state of a pipe stage.
type State int

const (
	// StateCreated is the initial state before frame info is negotiated.
	StateCreated State = iota

	// StateConfigured indicates SetFrameInfo has declared the ports.
	StateConfigured

	// StateStarted indicates the stage accepts buffers but has not run yet.
	StateStarted

	// StateRunning indicates Process has been called at least once.
	StateRunning

	// StateStopped indicates the stage has been stopped and drained.
	StateStopped
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConfigured:
		return "configured"
	case StateStarted:
		return "started"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// IsActive returns true if the stage accepts and processes buffers.
func (s State) IsActive() bool {
	return s == StateStarted || s == StateRunning
}

// CanConfigure returns true if SetFrameInfo may be called in this state.
func (s State) CanConfigure() bool {
	return s == StateCreated || s == StateConfigured || s == StateStopped
}
