package database

import (
	"sort"
	"time"

	"github.com/asdine/storm/v3"
	"github.com/asdine/storm/v3/codec/json"
	"github.com/asdine/storm/v3/q"
	"github.com/gofrs/uuid"
	"github.com/mdouchement/sensing/internal/model"
	"github.com/pkg/errors"
)

type strm struct {
	db *storm.DB
}

// StormCodec is the format used to store data in the database.
var StormCodec = storm.Codec(json.Codec)

// StormInit initializes Storm database.
func StormInit(database string) error {
	db, err := storm.Open(database, StormCodec)
	if err != nil {
		return errors.Wrap(err, "could not get database connection")
	}
	defer db.Close()

	if err := db.Init(&model.CaptureSession{}); err != nil {
		return errors.Wrap(err, "could not init capture index")
	}

	if err := db.Init(&model.Resource{}); err != nil {
		return errors.Wrap(err, "could not init resource index")
	}

	err = db.Init(&model.UploadWorkItem{})
	return errors.Wrap(err, "could not init upload index")
}

// StormReIndex rebuilds all the indexes.
func StormReIndex(database string) error {
	db, err := storm.Open(database, StormCodec)
	if err != nil {
		return errors.Wrap(err, "could not get database connection")
	}
	defer db.Close()

	if err := db.ReIndex(&model.CaptureSession{}); err != nil {
		return errors.Wrap(err, "could not ReIndex captures")
	}

	if err := db.ReIndex(&model.Resource{}); err != nil {
		return errors.Wrap(err, "could not ReIndex resources")
	}

	err = db.ReIndex(&model.UploadWorkItem{})
	return errors.Wrap(err, "could not ReIndex uploads")
}

// StormOpen opens the database.
func StormOpen(database string) (Client, error) {
	db, err := storm.Open(database, StormCodec)
	if err != nil {
		return nil, errors.Wrap(err, "could not get database connection")
	}

	return &strm{
		db: db,
	}, nil
}

func (c *strm) Save(m model.Model) error {
	touch(m)
	return errors.Wrap(c.db.Save(m), "could not save the model")
}

func (c *strm) Delete(m model.Model) error {
	return errors.Wrap(c.db.DeleteStruct(m), "could not delete the model")
}

func (c *strm) Close() error {
	return c.db.Close()
}

func (c *strm) IsNotFound(err error) bool {
	return errors.Cause(err) == storm.ErrNotFound
}

func (c *strm) IsAlreadyExists(err error) bool {
	return errors.Cause(err) == storm.ErrAlreadyExists
}

func touch(m model.Model) {
	t := time.Now().UTC()
	m.SetUpdatedAt(t)

	if m.GetID() == "" {
		m.SetID(uuid.Must(uuid.NewV4()).String())
	}
	if m.GetCreatedAt() == nil {
		m.SetCreatedAt(t)
	}
}

// notFoundAsEmpty is used by list queries: storm returns ErrNotFound on empty selections.
func notFoundAsEmpty(err error) error {
	if err == storm.ErrNotFound {
		return nil
	}
	return err
}

//
// Capture
//

func (c *strm) ListCaptures() ([]*model.CaptureSession, error) {
	captures := make([]*model.CaptureSession, 0)
	err := c.db.All(&captures)
	return captures, errors.Wrap(err, "could not get all captures")
}

func (c *strm) FindCapture(id string) (*model.CaptureSession, error) {
	var capture model.CaptureSession
	err := c.db.One("ID", id, &capture)
	return &capture, errors.Wrap(err, "could not find capture")
}

func (c *strm) FindCaptureByFolder(folder string) (*model.CaptureSession, error) {
	var capture model.CaptureSession
	err := c.db.One("CaptureFolder", folder, &capture)
	return &capture, errors.Wrap(err, "could not find capture")
}

func (c *strm) FindCapturesByExternalIdentifier(eid string) ([]*model.CaptureSession, error) {
	captures := make([]*model.CaptureSession, 0)
	err := c.db.Select(q.Eq("ExternalIdentifier", eid)).Find(&captures)
	return captures, errors.Wrap(notFoundAsEmpty(err), "could not get captures by external_identifier")
}

func (c *strm) DeleteCapture(id string) error {
	tx, err := c.db.Begin(true)
	if err != nil {
		return errors.Wrap(err, "could not begin transaction")
	}
	defer tx.Rollback()

	resources := make([]*model.Resource, 0)
	err = tx.Select(q.Eq("CaptureID", id)).Find(&resources)
	if notFoundAsEmpty(err) != nil {
		return errors.Wrap(err, "DeleteCapture resources")
	}

	for _, resource := range resources {
		err = tx.Select(q.Eq("ResourceID", resource.ID)).Delete(&model.UploadWorkItem{})
		if notFoundAsEmpty(err) != nil {
			return errors.Wrap(err, "DeleteCapture uploads")
		}

		if err = tx.DeleteStruct(resource); err != nil {
			return errors.Wrap(err, "DeleteCapture resource")
		}
	}

	err = tx.Select(q.Eq("ID", id)).Delete(&model.CaptureSession{})
	if err != nil {
		return errors.Wrap(err, "could not delete capture")
	}

	return errors.Wrap(tx.Commit(), "DeleteCapture commit")
}

//
// Resource
//

func (c *strm) FindResource(id string) (*model.Resource, error) {
	var resource model.Resource
	err := c.db.One("ID", id, &resource)
	return &resource, errors.Wrap(err, "could not find resource")
}

func (c *strm) FindResourcesByCaptureID(id string) ([]*model.Resource, error) {
	resources := make([]*model.Resource, 0)
	err := c.db.Select(q.Eq("CaptureID", id)).Find(&resources)
	return resources, errors.Wrap(notFoundAsEmpty(err), "could not get resources by capture_id")
}

func (c *strm) FindResourcesByExternalIdentifier(eid string) ([]*model.Resource, error) {
	resources := make([]*model.Resource, 0)
	err := c.db.Select(q.Eq("ExternalIdentifier", eid)).Find(&resources)
	return resources, errors.Wrap(notFoundAsEmpty(err), "could not get resources by external_identifier")
}

func (c *strm) CreateResource(r *model.Resource, w *model.UploadWorkItem) error {
	tx, err := c.db.Begin(true)
	if err != nil {
		return errors.Wrap(err, "could not begin transaction")
	}
	defer tx.Rollback()

	var capture model.CaptureSession
	if err = tx.One("ID", r.CaptureID, &capture); err != nil {
		return errors.Wrap(err, "CreateResource capture")
	}

	touch(r)
	if err = tx.Save(r); err != nil {
		return errors.Wrap(err, "CreateResource resource")
	}

	w.ResourceID = r.ID
	touch(w)
	if err = tx.Save(w); err != nil {
		return errors.Wrap(err, "CreateResource upload")
	}

	return errors.Wrap(tx.Commit(), "CreateResource commit")
}

//
// Upload
//

func (c *strm) AllUploads() ([]*model.UploadWorkItem, error) {
	uploads := make([]*model.UploadWorkItem, 0)
	err := c.db.All(&uploads)
	sortByCreation(uploads)
	return uploads, errors.Wrap(err, "could not get all uploads")
}

func (c *strm) FindUpload(id string) (*model.UploadWorkItem, error) {
	var upload model.UploadWorkItem
	err := c.db.One("ID", id, &upload)
	return &upload, errors.Wrap(err, "could not find upload")
}

func (c *strm) FindUploadByResourceID(id string) (*model.UploadWorkItem, error) {
	var upload model.UploadWorkItem
	err := c.db.One("ResourceID", id, &upload)
	return &upload, errors.Wrap(err, "could not find upload")
}

func (c *strm) FindUploadsByStatus(statuses ...model.Status) ([]*model.UploadWorkItem, error) {
	uploads := make([]*model.UploadWorkItem, 0)
	for _, status := range statuses {
		group := make([]*model.UploadWorkItem, 0)
		err := c.db.Select(q.Eq("Status", status)).Find(&group)
		if err = notFoundAsEmpty(err); err != nil {
			return nil, errors.Wrap(err, "could not get uploads by status")
		}

		sortByCreation(group)
		uploads = append(uploads, group...)
	}
	return uploads, nil
}

func (c *strm) SaveUpload(w *model.UploadWorkItem) error {
	tx, err := c.db.Begin(true)
	if err != nil {
		return errors.Wrap(err, "could not begin transaction")
	}
	defer tx.Rollback()

	touch(w)
	if err = tx.Save(w); err != nil {
		return errors.Wrap(err, "SaveUpload upload")
	}

	var resource model.Resource
	if err = tx.One("ID", w.ResourceID, &resource); err != nil {
		return errors.Wrap(err, "SaveUpload resource")
	}

	if resource.UploadStatus != w.Status {
		resource.UploadStatus = w.Status
		resource.StatusUpdatedAt = *w.UpdatedAt
		touch(&resource)
		if err = tx.Save(&resource); err != nil {
			return errors.Wrap(err, "SaveUpload resource")
		}
	}

	return errors.Wrap(tx.Commit(), "SaveUpload commit")
}

func sortByCreation(uploads []*model.UploadWorkItem) {
	sort.SliceStable(uploads, func(i, j int) bool {
		a, b := uploads[i].CreatedAt, uploads[j].CreatedAt
		if a == nil || b == nil {
			return b != nil
		}
		return a.Before(*b)
	})
}
