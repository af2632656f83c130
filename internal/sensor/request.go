package sensor

// A CaptureMode describes how the capture is driven.
type CaptureMode int

const (
	// Active sensors run in foreground and require a user interaction.
	Active CaptureMode = iota
	// Passive sensors run in background.
	Passive
)

type (
	// An InitConfig is the sensor specific configuration given at initialization.
	InitConfig interface {
		CaptureMode() CaptureMode
	}

	// A CaptureRequest is the sensor specific description of a capture.
	CaptureRequest interface {
		Common() RequestInfo
	}

	// RequestInfo holds the fields shared by all the capture requests.
	RequestInfo struct {
		// ExternalIdentifier correlates the capture to the caller's own entity.
		ExternalIdentifier string
		// OutputFolder is the capture folder, relative to the workspace.
		OutputFolder string
		OutputFormat string
		OutputTitle  string
		// Recapture replaces a previous capture stored in the same folder.
		Recapture bool
		Settings  map[string]string
	}
)

// Common implements CaptureRequest.
func (r RequestInfo) Common() RequestInfo {
	return r
}
