package serializer

import (
	"github.com/mdouchement/sensing/internal/model"
)

// Resources returns the serialized form of the given models.
func Resources(resources []*model.Resource) []map[string]interface{} {
	sl := make([]map[string]interface{}, 0, len(resources))

	for _, resource := range resources {
		sl = append(sl, Resource(resource))
	}

	return sl
}

// Resource returns the serialized form of the given model.
func Resource(resource *model.Resource) map[string]interface{} {
	return map[string]interface{}{
		"id":                  resource.ID,
		"capture_id":          resource.CaptureID,
		"external_identifier": resource.ExternalIdentifier,
		"title":               resource.Title,
		"content_type":        resource.ContentType,
		"local_location":      resource.LocalLocation,
		"remote_location":     resource.RemoteLocation,
		"upload_status":       resource.UploadStatus,
		"status_updated_at":   resource.StatusUpdatedAt,
	}
}

// Uploads returns the serialized form of the given models.
func Uploads(items []*model.UploadWorkItem) []map[string]interface{} {
	sl := make([]map[string]interface{}, 0, len(items))

	for _, item := range items {
		sl = append(sl, Upload(item))
	}

	return sl
}

// Upload returns the serialized form of the given model.
func Upload(item *model.UploadWorkItem) map[string]interface{} {
	return map[string]interface{}{
		"id":                   item.ID,
		"resource_id":          item.ResourceID,
		"bucket":               item.Bucket,
		"remote_relative_path": item.RemoteRelativePath,
		"file_size":            item.FileSize,
		"bytes_transferred":    item.BytesTransferred,
		"next_part_number":     item.NextPartNumber,
		"status":               item.Status,
		"failed_attempts":      item.FailedAttempts,
		"last_updated":         item.UpdatedAt,
	}
}
