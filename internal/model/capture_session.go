package model

import "time"

// A CaptureSession is one capture attempt of a sensor.
// Its ID is the captureId.
type CaptureSession struct {
	Base `json:",inline" storm:"inline"`

	ExternalIdentifier string            `json:"external_identifier" storm:"index"`
	SensorKind         string            `json:"sensor_kind"`
	CaptureFolder      string            `json:"capture_folder"      storm:"unique"`
	StartedAt          time.Time         `json:"started_at"`
	Settings           map[string]string `json:"settings,omitempty"`
	IsRecapture        bool              `json:"is_recapture"`
}
