package model

import "time"

// A Resource is one artifact produced by a CaptureSession.
// Its ID is the resourceId.
type Resource struct {
	Base `json:",inline" storm:"inline"`

	CaptureID          string    `json:"capture_id"          storm:"index"`
	ExternalIdentifier string    `json:"external_identifier" storm:"index"`
	LocalLocation      string    `json:"local_location"      storm:"unique"`
	RemoteLocation     string    `json:"remote_location"`
	Title              string    `json:"title"`
	ContentType        string    `json:"content_type"`
	UploadStatus       Status    `json:"upload_status"       storm:"index"`
	StatusUpdatedAt    time.Time `json:"status_updated_at"`
}
