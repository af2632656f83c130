package synchronizer

import (
	"context"

	"github.com/mdouchement/sensing/internal/database"
	"github.com/mdouchement/sensing/internal/model"
	"github.com/mdouchement/sensing/internal/upload"
	"github.com/pkg/errors"
)

// A processor folds the transfer events into the work item and persists it.
// The resource status follows the work item status in the same transaction.
type processor struct {
	db                database.Client
	maxFailedAttempts int
}

func (p *processor) apply(item *model.UploadWorkItem, ev upload.Event) error {
	switch ev.Type {
	case upload.EventStarted:
		item.Status = model.StatusUploading
	case upload.EventProgress:
		// Only acknowledged work clears the failures.
		item.FailedAttempts = 0
	case upload.EventCompleted:
		if item.BytesTransferred != item.FileSize {
			return errors.Wrapf(upload.ErrInvariant, "completed with %d/%d bytes", item.BytesTransferred, item.FileSize)
		}
		item.Status = model.StatusUploaded
		item.FailedAttempts = 0
	case upload.EventFailed:
		switch {
		case errors.Is(ev.Err, upload.ErrInvariant):
			item.Status = model.StatusFailed
		case errors.Is(ev.Err, context.Canceled):
			// Stopped run, not a transfer failure.
		default:
			item.FailedAttempts++
			if p.maxFailedAttempts > 0 && item.FailedAttempts >= p.maxFailedAttempts {
				item.Status = model.StatusFailed
			}
		}
	}

	return errors.Wrapf(p.db.SaveUpload(item), "persist %s event", ev.Type)
}
