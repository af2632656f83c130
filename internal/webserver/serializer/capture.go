package serializer

import (
	"github.com/mdouchement/sensing/internal/capture"
	"github.com/mdouchement/sensing/internal/model"
)

// Sensors returns the serialized form of the registered sensors.
func Sensors(m *capture.Manager) []map[string]interface{} {
	kinds := m.SupportedKinds()
	sl := make([]map[string]interface{}, 0, len(kinds))

	for _, kind := range kinds {
		payload := map[string]interface{}{
			"kind":  kind,
			"state": m.State(kind).String(),
		}
		if session := m.Session(kind); session != nil {
			payload["capture_id"] = session.ID
		}
		sl = append(sl, payload)
	}

	return sl
}

// Captures returns the serialized form of the given models.
func Captures(sessions []*model.CaptureSession) []map[string]interface{} {
	sl := make([]map[string]interface{}, 0, len(sessions))

	for _, session := range sessions {
		sl = append(sl, Capture(session))
	}

	return sl
}

// Capture returns the serialized form of the given model.
func Capture(session *model.CaptureSession) map[string]interface{} {
	return map[string]interface{}{
		"id":                  session.ID,
		"external_identifier": session.ExternalIdentifier,
		"sensor_kind":         session.SensorKind,
		"capture_folder":      session.CaptureFolder,
		"started_at":          session.StartedAt,
		"settings":            session.Settings,
		"is_recapture":        session.IsRecapture,
	}
}
