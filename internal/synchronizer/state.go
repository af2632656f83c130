package synchronizer

import "fmt"

// A StateType identifies a SyncState.
type StateType int

// Synchronization states.
const (
	StateStarted StateType = iota
	StateInProgress
	StateCompleted
	StateFailed
	// StateNoOp is emitted when a run is already active.
	StateNoOp
)

var types = map[StateType]string{
	StateStarted:    "started",
	StateInProgress: "in_progress",
	StateCompleted:  "completed",
	StateFailed:     "failed",
	StateNoOp:       "noop",
}

func (t StateType) String() string {
	if v, ok := types[t]; ok {
		return v
	}
	return "unknown"
}

// A State is a step of a synchronization run.
type State struct {
	Type StateType
	// Total is the cumulated number of work items fetched by the run.
	Total int
	// Completed is the number of uploaded work items.
	Completed int
	// ItemTotalBytes and ItemTransferredBytes describe the current work item.
	ItemTotalBytes       int64
	ItemTransferredBytes int64
	// ResourceID and Err are set on StateFailed.
	ResourceID string
	Err        error
}

func (s State) String() string {
	switch s.Type {
	case StateStarted, StateCompleted:
		return fmt.Sprintf("%s{%d}", s.Type, s.Total)
	case StateInProgress:
		return fmt.Sprintf("%s{%d/%d, %d/%d bytes}", s.Type, s.Completed, s.Total, s.ItemTransferredBytes, s.ItemTotalBytes)
	case StateFailed:
		return fmt.Sprintf("%s{%s: %v}", s.Type, s.ResourceID, s.Err)
	default:
		return s.Type.String()
	}
}
