package model

// A Status is the upload status shared by a Resource and its UploadWorkItem.
type Status string

// Upload statuses.
const (
	StatusPending   Status = "pending"
	StatusUploading Status = "uploading"
	StatusUploaded  Status = "uploaded"
	StatusFailed    Status = "failed"
)

// Transferable returns true when a synchronization run has to pick the item up.
func (s Status) Transferable() bool {
	return s == StatusPending || s == StatusUploading
}
