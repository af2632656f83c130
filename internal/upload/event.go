package upload

// An EventType identifies a transfer event.
type EventType int

// Transfer events.
const (
	EventStarted EventType = iota
	EventProgress
	EventCompleted
	EventFailed
)

func (t EventType) String() string {
	switch t {
	case EventStarted:
		return "started"
	case EventProgress:
		return "progress"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// An Event is emitted by the Engine while transferring a work item.
// The work item is already updated when the event is emitted.
type Event struct {
	Type EventType
	// UploadID is set on EventStarted.
	UploadID string
	// Bytes is the size of the acknowledged part on EventProgress.
	Bytes int64
	// Err is set on EventFailed.
	Err error
}

// An Emitter receives the events. Returning an error aborts the transfer.
// The Engine relies on it to persist the work item.
type Emitter func(Event) error
