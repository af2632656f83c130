package capture

import (
	"github.com/mdouchement/sensing/internal/model"
	"github.com/mdouchement/sensing/internal/sensor"
)

type (
	// A Listener is notified of the lifecycle of the captures of one sensor kind.
	Listener interface {
		// OnStart is called once the session is persisted.
		OnStart(session *model.CaptureSession)
		// OnComplete is called once the resources of the session are persisted.
		OnComplete(session *model.CaptureSession, resources []*model.Resource)
		// OnError is called when the sensor fails. The session is nil if the failure happened before it was persisted.
		OnError(session *model.CaptureSession, err error)
	}

	// An EventType identifies the kind of Event.
	EventType int

	// An Event is a Listener notification.
	Event struct {
		Type      EventType
		Kind      sensor.Kind
		Session   *model.CaptureSession
		Resources []*model.Resource
		Err       error
	}

	// An EventChannel is a Listener delivering its notifications as Events, in order.
	// The host must drain C, a full channel blocks the sensor.
	EventChannel struct {
		kind sensor.Kind
		C    chan Event
	}
)

// Event types.
const (
	EventStarted EventType = iota
	EventCompleted
	EventFailed
)

func (t EventType) String() string {
	switch t {
	case EventStarted:
		return "started"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// NewEventChannel returns an EventChannel buffering up to size events.
func NewEventChannel(kind sensor.Kind, size int) *EventChannel {
	if size < 1 {
		size = 1
	}
	return &EventChannel{
		kind: kind,
		C:    make(chan Event, size),
	}
}

func (l *EventChannel) OnStart(session *model.CaptureSession) {
	l.C <- Event{Type: EventStarted, Kind: l.kind, Session: session}
}

func (l *EventChannel) OnComplete(session *model.CaptureSession, resources []*model.Resource) {
	l.C <- Event{Type: EventCompleted, Kind: l.kind, Session: session, Resources: resources}
}

func (l *EventChannel) OnError(session *model.CaptureSession, err error) {
	l.C <- Event{Type: EventFailed, Kind: l.kind, Session: session, Err: err}
}
