package device

// State represents the lifecycle state of a Device.
type State int

const (
	// StateInitialized means the device is created but not started.
	StateInitialized State = iota

	// StateRunning means the device is serving hosts.
	StateRunning

	// StateStopping means Stop() has been called and shutdown is in progress.
	StateStopping

	// StateStopped means the device has been shut down.
	StateStopped
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateInitialized:
		return "Initialized"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}
