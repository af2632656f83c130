package database

import (
	"github.com/mdouchement/sensing/internal/model"
)

type (
	// A Client can interacts with the database.
	Client interface {
		// Save inserts or updates the entry in database with the given model.
		Save(m model.Model) error
		// Delete deletes the entry in database with the given model.
		Delete(m model.Model) error
		// Close the database.
		Close() error
		// IsNotFound returns true if err is a not found error.
		IsNotFound(err error) bool
		// IsAlreadyExists returns true if err is a uniqueness violation.
		IsAlreadyExists(err error) bool

		CaptureInteraction
		ResourceInteraction
		UploadInteraction
	}

	// A CaptureInteraction defines all the methods used to interact with a capture session record.
	CaptureInteraction interface {
		ListCaptures() ([]*model.CaptureSession, error)
		FindCapture(id string) (*model.CaptureSession, error)
		FindCaptureByFolder(folder string) (*model.CaptureSession, error)
		FindCapturesByExternalIdentifier(eid string) ([]*model.CaptureSession, error)
		// DeleteCapture removes the capture session with all its resources and upload work items.
		DeleteCapture(id string) error
	}

	// A ResourceInteraction defines all the methods used to interact with a resource record.
	ResourceInteraction interface {
		FindResource(id string) (*model.Resource, error)
		FindResourcesByCaptureID(id string) ([]*model.Resource, error)
		FindResourcesByExternalIdentifier(eid string) ([]*model.Resource, error)
		// CreateResource atomically inserts a resource and its upload work item.
		CreateResource(r *model.Resource, w *model.UploadWorkItem) error
	}

	// An UploadInteraction defines all the methods used to interact with an upload work item record.
	UploadInteraction interface {
		AllUploads() ([]*model.UploadWorkItem, error)
		FindUpload(id string) (*model.UploadWorkItem, error)
		FindUploadByResourceID(id string) (*model.UploadWorkItem, error)
		// FindUploadsByStatus returns the items having one of the given statuses,
		// grouped in the order of the statuses then by creation time.
		FindUploadsByStatus(statuses ...model.Status) ([]*model.UploadWorkItem, error)
		// SaveUpload persists the work item and aligns its resource's upload status.
		SaveUpload(w *model.UploadWorkItem) error
	}
)
