package model

import "sort"

type (
	// An UploadWorkItem is the persisted cursor of one resumable transfer.
	// Its ID is the requestId.
	UploadWorkItem struct {
		Base `json:",inline" storm:"inline"`

		ResourceID         string `json:"resource_id"          storm:"unique"`
		SourceFile         string `json:"source_file"`
		Checksum           string `json:"checksum"`
		FileSize           int64  `json:"file_size"`
		BytesTransferred   int64  `json:"bytes_transferred"`
		Bucket             string `json:"bucket"`
		RemoteRelativePath string `json:"remote_relative_path"`
		Multipart          bool   `json:"multipart"`
		NextPartNumber     int    `json:"next_part_number"`
		SessionUploadID    string `json:"session_upload_id,omitempty"`
		Status             Status `json:"status"               storm:"index"`
		FailedAttempts     int    `json:"failed_attempts"`
		Parts              []Part `json:"parts"`
	}

	// A Part is an acknowledged chunk of a multipart upload.
	Part struct {
		Number int    `json:"number"`
		ETag   string `json:"etag"`
		Size   int64  `json:"size"`
	}
)

// Remaining returns the number of bytes not yet acknowledged by the remote store.
func (w *UploadWorkItem) Remaining() int64 {
	return w.FileSize - w.BytesTransferred
}

// HasSession returns true when a multipart session is open on the remote store.
func (w *UploadWorkItem) HasSession() bool {
	return w.SessionUploadID != ""
}

// SortedParts returns a copy of the parts ordered by part number.
func (w *UploadWorkItem) SortedParts() []Part {
	parts := make([]Part, len(w.Parts))
	copy(parts, w.Parts)
	sort.Slice(parts, func(i, j int) bool {
		return parts[i].Number < parts[j].Number
	})
	return parts
}
