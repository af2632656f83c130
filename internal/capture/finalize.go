package capture

import (
	"time"

	"github.com/mdouchement/sensing/internal/model"
	"github.com/mdouchement/sensing/internal/xpath"
	"github.com/pkg/errors"
)

// finalize packages every output of the sensor and enqueues its upload.
func (m *Manager) finalize(c *component, session *model.CaptureSession) ([]*model.Resource, error) {
	if session == nil {
		return nil, errors.Errorf("finalize %s: session not persisted", c.kind)
	}

	outputs := c.sensor.Outputs()
	resources := make([]*model.Resource, 0, len(outputs))

	for _, output := range outputs {
		pkg, err := m.ctrl.Storage.Package(output.Folder)
		if err != nil {
			return resources, errors.Wrapf(err, "finalize %s", output.Folder)
		}

		relative := xpath.RelativeURL(output.Folder)
		now := time.Now()

		r := &model.Resource{
			CaptureID:          session.ID,
			ExternalIdentifier: session.ExternalIdentifier,
			LocalLocation:      m.ctrl.Storage.Path(output.Folder),
			RemoteLocation:     xpath.Location(m.ctrl.BaseURL, m.ctrl.Bucket, relative),
			Title:              output.Title,
			ContentType:        output.ContentType,
			UploadStatus:       model.StatusPending,
			StatusUpdatedAt:    now,
		}

		w := &model.UploadWorkItem{
			SourceFile:         pkg.Path,
			Checksum:           pkg.Checksum,
			FileSize:           pkg.Size,
			Bucket:             m.ctrl.Bucket,
			RemoteRelativePath: relative,
			Multipart:          m.ctrl.Multipart,
			NextPartNumber:     1,
			Status:             model.StatusPending,
		}

		if err = m.ctrl.Database.CreateResource(r, w); err != nil {
			return resources, errors.Wrapf(err, "finalize %s", output.Folder)
		}

		m.log.Debugf("Resource %s enqueued for upload (%d bytes)", r.ID, w.FileSize)
		resources = append(resources, r)
	}

	return resources, nil
}
