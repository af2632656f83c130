package webserver_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/mdouchement/logger"
	"github.com/mdouchement/sensing/internal/blobstore"
	"github.com/mdouchement/sensing/internal/capture"
	"github.com/mdouchement/sensing/internal/database"
	"github.com/mdouchement/sensing/internal/model"
	"github.com/mdouchement/sensing/internal/sensor"
	"github.com/mdouchement/sensing/internal/sensor/microphone"
	"github.com/mdouchement/sensing/internal/storage"
	"github.com/mdouchement/sensing/internal/synchronizer"
	"github.com/mdouchement/sensing/internal/upload"
	"github.com/mdouchement/sensing/internal/webserver"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type (
	fixture struct {
		workspace string
		db        database.Client
		store     *blobstore.Memory
		manager   *capture.Manager
		sync      *synchronizer.Synchronizer
		ctrl      webserver.Controller
		engine    *echo.Echo
		capture   *model.CaptureSession
		resource  *model.Resource
		upload    *model.UploadWorkItem
	}

	trigger struct {
		calls int
	}
)

func (t *trigger) Trigger() bool {
	t.calls++
	return t.calls == 1
}

func setup(t *testing.T, configure ...func(*webserver.Controller)) *fixture {
	log := logger.WrapLogrus(logrus.New())

	f := &fixture{
		workspace: t.TempDir(),
		store:     blobstore.NewMemory(),
	}

	var err error
	f.db, err = database.StormOpen(filepath.Join(t.TempDir(), "sensing.db"))
	require.NoError(t, err)
	t.Cleanup(func() { f.db.Close() })

	fs := storage.NewFileSystem(f.workspace)
	f.sync = synchronizer.New(synchronizer.Controller{
		Logger:   log,
		Database: f.db,
		Client:   f.store,
		Engine: upload.New(upload.Controller{
			Logger:  log,
			Client:  f.store,
			Storage: fs,
		}),
		MaxFailedAttempts: synchronizer.DefaultMaxFailedAttempts,
	})
	f.manager = capture.NewManager(capture.Controller{
		Logger:    log,
		Database:  f.db,
		Storage:   fs,
		Transfers: f.sync,
		Bucket:    "captures",
		BaseURL:   "https://blob.example.com",
		Multipart: true,
	})
	require.NoError(t, f.manager.RegisterFactory(sensor.Microphone, microphone.Factory))

	f.ctrl = webserver.Controller{
		Version:      "test",
		Logger:       log,
		Database:     f.db,
		Storage:      fs,
		Manager:      f.manager,
		Synchronizer: f.sync,
	}
	for _, fn := range configure {
		fn(&f.ctrl)
	}
	f.engine = webserver.EchoEngine(f.ctrl)

	f.seed(t)
	return f
}

func (f *fixture) seed(t *testing.T) {
	f.capture = &model.CaptureSession{
		ExternalIdentifier: "participant-42",
		SensorKind:         "camera",
		CaptureFolder:      "session-1",
	}
	require.NoError(t, f.db.Save(f.capture))
	require.NoError(t, f.db.Save(&model.CaptureSession{
		ExternalIdentifier: "participant-7",
		SensorKind:         "microphone",
		CaptureFolder:      "session-0",
	}))

	folder := filepath.Join(f.workspace, "session-1", "camera")
	require.NoError(t, os.MkdirAll(folder, 0755))
	require.NoError(t, os.WriteFile(folder+".zip", []byte("zipped frames"), 0644))

	f.resource = &model.Resource{
		CaptureID:          f.capture.ID,
		ExternalIdentifier: f.capture.ExternalIdentifier,
		LocalLocation:      folder,
		RemoteLocation:     "https://blob.example.com/captures/session-1/camera.zip",
		Title:              "Frames",
		ContentType:        "image/jpeg",
		UploadStatus:       model.StatusPending,
	}
	f.upload = &model.UploadWorkItem{
		SourceFile:         folder + ".zip",
		FileSize:           int64(len("zipped frames")),
		Bucket:             "captures",
		RemoteRelativePath: "/session-1/camera.zip",
		Multipart:          true,
		NextPartNumber:     1,
		Status:             model.StatusPending,
	}
	require.NoError(t, f.db.CreateResource(f.resource, f.upload))
}

func (f *fixture) do(t *testing.T, method, target string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestVersion(t *testing.T) {
	f := setup(t)

	for _, target := range []string{"/", "/version"} {
		rec := f.do(t, http.MethodGet, target)
		assert.Equal(t, http.StatusOK, rec.Code)

		var payload map[string]string
		decode(t, rec, &payload)
		assert.Equal(t, "test", payload["version"])
	}
}

func TestAuthenticate(t *testing.T) {
	f := setup(t, func(c *webserver.Controller) {
		c.Token = "secret"
	})

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/version").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/captures").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/captures", "X-Auth-Token", "wrong").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/captures", "X-Auth-Token", "secret").Code)
}

func TestSensors(t *testing.T) {
	f := setup(t)

	rec := f.do(t, http.MethodGet, "/sensors")
	require.Equal(t, http.StatusOK, rec.Code)

	var payload []map[string]interface{}
	decode(t, rec, &payload)
	require.Len(t, payload, 1)
	assert.Equal(t, "microphone", payload[0]["kind"])
	assert.Equal(t, capture.Uninitialized.String(), payload[0]["state"])
}

func TestCaptures_List(t *testing.T) {
	f := setup(t)

	var payload []map[string]interface{}
	decode(t, f.do(t, http.MethodGet, "/captures"), &payload)
	assert.Len(t, payload, 2)

	decode(t, f.do(t, http.MethodGet, "/captures?external_id=participant-42"), &payload)
	require.Len(t, payload, 1)
	assert.Equal(t, f.capture.ID, payload[0]["id"])

	decode(t, f.do(t, http.MethodGet, "/captures?external_id=nobody"), &payload)
	assert.Empty(t, payload)
}

func TestCaptures_Show(t *testing.T) {
	f := setup(t)

	rec := f.do(t, http.MethodGet, "/captures/"+f.capture.ID)
	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		ID        string                   `json:"id"`
		Folder    string                   `json:"capture_folder"`
		Resources []map[string]interface{} `json:"resources"`
	}
	decode(t, rec, &payload)
	assert.Equal(t, f.capture.ID, payload.ID)
	assert.Equal(t, "session-1", payload.Folder)
	require.Len(t, payload.Resources, 1)
	assert.Equal(t, f.resource.ID, payload.Resources[0]["id"])
	assert.Equal(t, "pending", payload.Resources[0]["upload_status"])

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/captures/unknown").Code)
}

func TestCaptures_Delete(t *testing.T) {
	f := setup(t)

	rec := f.do(t, http.MethodDelete, "/captures/"+f.capture.ID)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	_, err := f.db.FindResource(f.resource.ID)
	assert.True(t, f.db.IsNotFound(err))
	assert.NoFileExists(t, f.upload.SourceFile)
	assert.NoDirExists(t, f.resource.LocalLocation)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/captures/"+f.capture.ID).Code)
}

func TestCaptures_DeleteActive(t *testing.T) {
	f := setup(t)

	pr, pw := io.Pipe()
	defer pw.Close()

	require.NoError(t, f.manager.Init(sensor.Microphone, microphone.Config{
		Source: func() (io.ReadCloser, error) { return pr, nil },
	}))
	require.NoError(t, f.manager.Start(context.Background(), sensor.Microphone, microphone.Request{
		RequestInfo: sensor.RequestInfo{
			ExternalIdentifier: "participant-42",
			OutputFolder:       "session-2",
		},
	}))
	defer f.manager.Stop(context.Background(), sensor.Microphone)

	session := f.manager.Session(sensor.Microphone)
	require.NotNil(t, session)

	rec := f.do(t, http.MethodDelete, "/captures/"+session.ID)
	assert.Equal(t, http.StatusConflict, rec.Code)

	var payload []map[string]interface{}
	decode(t, f.do(t, http.MethodGet, "/sensors"), &payload)
	require.Len(t, payload, 1)
	assert.Equal(t, capture.Capturing.String(), payload[0]["state"])
	assert.Equal(t, session.ID, payload[0]["capture_id"])
}

func TestCaptures_DeleteUploading(t *testing.T) {
	f := setup(t)

	var code int
	f.store.Fault(func(op string, number int) error {
		if op == blobstore.OpPart && code == 0 {
			code = f.do(t, http.MethodDelete, "/captures/"+f.capture.ID).Code
		}
		return nil
	})

	require.NoError(t, f.sync.Run(context.Background(), func(synchronizer.State) {}))
	assert.Equal(t, http.StatusConflict, code)

	w, err := f.db.FindUpload(f.upload.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusUploaded, w.Status)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/captures/"+f.capture.ID).Code)
}

func TestResources(t *testing.T) {
	f := setup(t)

	var payload []map[string]interface{}
	decode(t, f.do(t, http.MethodGet, "/resources?external_id=participant-42"), &payload)
	require.Len(t, payload, 1)
	assert.Equal(t, "https://blob.example.com/captures/session-1/camera.zip", payload[0]["remote_location"])

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/resources").Code)
}

func TestResources_Package(t *testing.T) {
	f := setup(t)

	rec := f.do(t, http.MethodGet, "/resources/"+f.resource.ID+"/package")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/zip", rec.Header().Get(echo.HeaderContentType))
	assert.Equal(t, "zipped frames", rec.Body.String())

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/resources/unknown/package").Code)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/sync?wait=true").Code)
	assert.Equal(t, http.StatusGone, f.do(t, http.MethodGet, "/resources/"+f.resource.ID+"/package").Code)
}

func TestUploads(t *testing.T) {
	f := setup(t)

	var payload []map[string]interface{}
	decode(t, f.do(t, http.MethodGet, "/uploads"), &payload)
	require.Len(t, payload, 1)
	assert.Equal(t, f.resource.ID, payload[0]["resource_id"])

	decode(t, f.do(t, http.MethodGet, "/uploads?status=pending"), &payload)
	assert.Len(t, payload, 1)

	decode(t, f.do(t, http.MethodGet, "/uploads?status=uploaded"), &payload)
	assert.Empty(t, payload)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/uploads?status=lost").Code)
}

func TestSync_Wait(t *testing.T) {
	f := setup(t)

	rec := f.do(t, http.MethodPost, "/sync?wait=true")
	require.Equal(t, http.StatusOK, rec.Code)

	var states []map[string]interface{}
	decode(t, rec, &states)
	require.NotEmpty(t, states)
	assert.Equal(t, "started", states[0]["type"])
	assert.Equal(t, "completed", states[len(states)-1]["type"])
	assert.EqualValues(t, 1, states[len(states)-1]["completed"])

	object, ok := f.store.Object("captures", "session-1/camera.zip")
	require.True(t, ok)
	assert.Equal(t, []byte("zipped frames"), object.Data)

	var status struct {
		Running bool                   `json:"running"`
		Last    map[string]interface{} `json:"last"`
	}
	decode(t, f.do(t, http.MethodGet, "/sync"), &status)
	assert.False(t, status.Running)
	assert.Equal(t, "completed", status.Last["type"])

	var uploads []map[string]interface{}
	decode(t, f.do(t, http.MethodGet, "/uploads?status=uploaded"), &uploads)
	assert.Len(t, uploads, 1)
}

func TestSync_Trigger(t *testing.T) {
	scheduler := &trigger{}
	f := setup(t, func(c *webserver.Controller) {
		c.Scheduler = scheduler
	})

	var payload map[string]bool

	rec := f.do(t, http.MethodPost, "/sync")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	decode(t, rec, &payload)
	assert.True(t, payload["triggered"])

	decode(t, f.do(t, http.MethodPost, "/sync"), &payload)
	assert.False(t, payload["triggered"])
	assert.Equal(t, 2, scheduler.calls)
}
