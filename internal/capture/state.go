package capture

// A State is the lifecycle state of a sensor kind.
type State int

// Lifecycle states.
const (
	Uninitialized State = iota
	Initialized
	Starting
	Capturing
	Paused
	Stopping
	Stopped
	Errored
)

var states = map[State]string{
	Uninitialized: "uninitialized",
	Initialized:   "initialized",
	Starting:      "starting",
	Capturing:     "capturing",
	Paused:        "paused",
	Stopping:      "stopping",
	Stopped:       "stopped",
	Errored:       "errored",
}

func (s State) String() string {
	if v, ok := states[s]; ok {
		return v
	}
	return "unknown"
}

// IsActive returns true while a sensor is producing or finalizing data.
func (s State) IsActive() bool {
	switch s {
	case Starting, Capturing, Paused, Stopping:
		return true
	default:
		return false
	}
}
