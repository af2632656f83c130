// Package sensor defines the capability implemented by every capture device
// and the registry of factories building them.
package sensor

import (
	"context"

	"github.com/mdouchement/logger"
	"github.com/mdouchement/sensing/internal/storage"
	"github.com/pkg/errors"
)

// A Kind identifies a family of sensors.
type Kind string

// Known sensor kinds.
const (
	Camera     Kind = "camera"
	Microphone Kind = "microphone"
)

// Capability errors.
var (
	ErrIncompatibleConfig  = errors.New("incompatible init config")
	ErrIncompatibleRequest = errors.New("incompatible capture request")
	ErrUnsupported         = errors.New("unsupported operation")
)

type (
	// A Sensor produces raw data files in the capture workspace and reports
	// its lifecycle events to a Listener.
	Sensor interface {
		// Kind returns the kind of the sensor.
		Kind() Kind
		// Prepare binds the listener notified of the capture events.
		Prepare(l Listener) error
		// Accepts returns true when the request's concrete type can be handled by the sensor.
		Accepts(r CaptureRequest) bool
		// Start begins the capture. Listener.OnStarted is called before Start returns.
		Start(ctx context.Context, r CaptureRequest) error
		// Stop drains the buffered data, closes the outputs and calls Listener.OnStopped.
		Stop(ctx context.Context) error
		// Kill aborts the capture without finalizing it.
		Kill()
		// IsActive returns true while capturing.
		IsActive() bool
		// Outputs returns the folders produced by the last capture.
		Outputs() []Output
	}

	// A Pausable sensor can temporarily suspend its capture.
	Pausable interface {
		Pause(ctx context.Context) error
		Resume(ctx context.Context) error
	}

	// A Listener receives the sensor events. The kind allows one listener to serve several sensors.
	Listener interface {
		OnStarted(kind Kind)
		OnData(kind Kind)
		OnStopped(kind Kind)
		OnError(kind Kind, err error)
	}

	// An Output is a folder of the workspace produced by a capture, finalized as one resource.
	Output struct {
		Folder      string
		Title       string
		ContentType string
	}

	// Environment holds what a sensor needs from its host.
	Environment struct {
		Logger  logger.Logger
		Storage storage.Backend
	}
)

// Pause pauses s when it supports it.
func Pause(ctx context.Context, s Sensor) error {
	p, ok := s.(Pausable)
	if !ok {
		return errors.Wrapf(ErrUnsupported, "%s: pause", s.Kind())
	}
	return p.Pause(ctx)
}

// Resume resumes s when it supports it.
func Resume(ctx context.Context, s Sensor) error {
	p, ok := s.(Pausable)
	if !ok {
		return errors.Wrapf(ErrUnsupported, "%s: resume", s.Kind())
	}
	return p.Resume(ctx)
}
