package capture

import (
	"github.com/mdouchement/sensing/internal/sensor"
	"github.com/pkg/errors"
)

// Lifecycle errors.
var (
	ErrNotRegistered     = sensor.ErrNotRegistered
	ErrAlreadyRegistered = sensor.ErrAlreadyRegistered
	// ErrNotReady is returned when an operation is called out of order (e.g. start before init).
	ErrNotReady = errors.New("sensor not ready")
	// ErrAlreadyActive is returned when a kind already has an active session.
	ErrAlreadyActive = errors.New("sensor already active")
	// ErrFolderInUse is returned when a capture folder already belongs to a session that is not recaptured.
	ErrFolderInUse = errors.New("capture folder already in use")
)

// IsConfigurationError returns true if err is caused by an incompatible sensor, config or request.
func IsConfigurationError(err error) bool {
	return errors.Is(err, sensor.ErrIncompatibleConfig) ||
		errors.Is(err, sensor.ErrIncompatibleRequest) ||
		errors.Is(err, sensor.ErrUnsupported) ||
		errors.Is(err, ErrNotRegistered) ||
		errors.Is(err, ErrAlreadyRegistered) ||
		errors.Is(err, ErrFolderInUse)
}

// IsOrderingError returns true if err is a lifecycle state violation.
func IsOrderingError(err error) bool {
	return errors.Is(err, ErrNotReady) || errors.Is(err, ErrAlreadyActive)
}
