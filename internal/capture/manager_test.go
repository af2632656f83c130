package capture_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mdouchement/logger"
	"github.com/mdouchement/sensing/internal/capture"
	"github.com/mdouchement/sensing/internal/database"
	"github.com/mdouchement/sensing/internal/model"
	"github.com/mdouchement/sensing/internal/sensor"
	"github.com/mdouchement/sensing/internal/storage"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKind sensor.Kind = "test"

type (
	testConfig  struct{}
	otherConfig struct{}

	testRequest struct {
		sensor.RequestInfo
	}

	testSensor struct {
		mu       sync.Mutex
		env      sensor.Environment
		listener sensor.Listener
		active   bool
		killed   bool
		paused   bool
		outputs  []sensor.Output
		done     chan struct{}
	}
)

func (testConfig) CaptureMode() sensor.CaptureMode  { return sensor.Active }
func (otherConfig) CaptureMode() sensor.CaptureMode { return sensor.Passive }

func (s *testSensor) Kind() sensor.Kind { return testKind }

func (s *testSensor) Prepare(l sensor.Listener) error {
	s.listener = l
	return nil
}

func (s *testSensor) Accepts(r sensor.CaptureRequest) bool {
	_, ok := r.(testRequest)
	return ok
}

func (s *testSensor) Start(ctx context.Context, r sensor.CaptureRequest) error {
	folder := filepath.Join(r.Common().OutputFolder, string(testKind))
	w, err := s.env.Storage.Writer(folder, "data.bin")
	if err != nil {
		return err
	}
	if _, err = w.Write([]byte("sensor data")); err != nil {
		return err
	}
	if err = w.Close(); err != nil {
		return err
	}

	s.mu.Lock()
	s.active = true
	s.outputs = []sensor.Output{{Folder: folder, Title: "Test", ContentType: "application/octet-stream"}}
	s.mu.Unlock()

	s.listener.OnStarted(testKind)
	s.listener.OnData(testKind)
	return nil
}

func (s *testSensor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.active {
		done := s.done
		s.mu.Unlock()

		if done == nil {
			return nil
		}
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.active = false
	s.mu.Unlock()

	s.listener.OnStopped(testKind)
	return nil
}

func (s *testSensor) Pause(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
	return nil
}

func (s *testSensor) Resume(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
	return nil
}

func (s *testSensor) Kill() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
	s.killed = true
}

func (s *testSensor) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *testSensor) Outputs() []sensor.Output {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outputs
}

// stopByItself ends the capture like a sensor reaching its data limit.
func (s *testSensor) stopByItself() {
	s.mu.Lock()
	s.active = false
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.listener.OnStopped(testKind)
	}()
}

// holdingStorage blocks the packaging until hold is closed.
type holdingStorage struct {
	storage.Backend
	once    sync.Once
	entered chan struct{}
	hold    chan struct{}
}

func (s *holdingStorage) Package(folder string) (*storage.Package, error) {
	s.once.Do(func() { close(s.entered) })
	<-s.hold
	return s.Backend.Package(folder)
}

func (s *testSensor) fail(err error) {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
	s.listener.OnError(testKind, err)
}

type fixture struct {
	manager   *capture.Manager
	db        database.Client
	storage   storage.Backend
	transfers *transfers
	sensors   []*testSensor
}

// transfers fakes the uploader ownership of the resources.
type transfers struct {
	mu       sync.Mutex
	busy     map[string]bool
	reserved []string
	released int
}

func (tr *transfers) Reserve(resourceIDs ...string) (func(), error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	for _, id := range resourceIDs {
		if tr.busy[id] {
			return nil, errors.Errorf("%s is uploading", id)
		}
	}
	tr.reserved = append(tr.reserved, resourceIDs...)

	return func() {
		tr.mu.Lock()
		tr.released++
		tr.mu.Unlock()
	}, nil
}

func (f *fixture) last() *testSensor {
	return f.sensors[len(f.sensors)-1]
}

func setup(t *testing.T, configure ...func(*capture.Controller)) *fixture {
	db, err := database.StormOpen(filepath.Join(t.TempDir(), "sensing.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		db:        db,
		storage:   storage.NewFileSystem(t.TempDir()),
		transfers: &transfers{busy: map[string]bool{}},
	}

	ctrl := capture.Controller{
		Logger:    logger.WrapLogrus(logrus.New()),
		Database:  db,
		Storage:   f.storage,
		Transfers: f.transfers,
		Bucket:    "captures",
		BaseURL:   "https://blob.example.com",
		Multipart: true,
	}
	for _, fn := range configure {
		fn(&ctrl)
	}
	f.manager = capture.NewManager(ctrl)

	err = f.manager.RegisterFactory(testKind, sensor.FactoryFunc(func(env sensor.Environment, config sensor.InitConfig) (sensor.Sensor, error) {
		if _, ok := config.(testConfig); !ok {
			return nil, errors.Wrapf(sensor.ErrIncompatibleConfig, "got %T", config)
		}
		s := &testSensor{env: env}
		f.sensors = append(f.sensors, s)
		return s, nil
	}))
	require.NoError(t, err)

	return f
}

func request(folder string) testRequest {
	return testRequest{
		RequestInfo: sensor.RequestInfo{
			ExternalIdentifier: "participant-42",
			OutputFolder:       folder,
			Settings:           map[string]string{"lens": "wide"},
		},
	}
}

func (f *fixture) initWithListener(t *testing.T) *capture.EventChannel {
	require.NoError(t, f.manager.Init(testKind, testConfig{}))
	events := capture.NewEventChannel(testKind, 8)
	require.NoError(t, f.manager.RegisterListener(testKind, events))
	return events
}

func TestManager_Factories(t *testing.T) {
	f := setup(t)

	assert.True(t, f.manager.IsRegistered(testKind))
	assert.Equal(t, []sensor.Kind{testKind}, f.manager.SupportedKinds())

	err := f.manager.RegisterFactory(testKind, sensor.FactoryFunc(nil))
	assert.ErrorIs(t, err, capture.ErrAlreadyRegistered)

	f.manager.UnregisterFactory(testKind)
	assert.False(t, f.manager.IsRegistered(testKind))

	err = f.manager.Init(testKind, testConfig{})
	assert.ErrorIs(t, err, capture.ErrNotRegistered)
	assert.True(t, capture.IsConfigurationError(err))
}

func TestManager_InitIncompatibleConfig(t *testing.T) {
	f := setup(t)

	err := f.manager.Init(testKind, otherConfig{})
	assert.ErrorIs(t, err, sensor.ErrIncompatibleConfig)
	assert.True(t, capture.IsConfigurationError(err))
	assert.Equal(t, capture.Uninitialized, f.manager.State(testKind))
}

func TestManager_StartBeforeInit(t *testing.T) {
	f := setup(t)

	err := f.manager.Start(context.Background(), testKind, request("session-1"))
	assert.ErrorIs(t, err, capture.ErrNotReady)
	assert.True(t, capture.IsOrderingError(err))

	err = f.manager.RegisterListener(testKind, capture.NewEventChannel(testKind, 1))
	assert.ErrorIs(t, err, capture.ErrNotReady)
}

func TestManager_Lifecycle(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	events := f.initWithListener(t)
	assert.Equal(t, capture.Initialized, f.manager.State(testKind))

	require.NoError(t, f.manager.Start(ctx, testKind, request("session-1")))
	assert.Equal(t, capture.Capturing, f.manager.State(testKind))
	assert.True(t, f.manager.IsActive(testKind))

	started := <-events.C
	assert.Equal(t, capture.EventStarted, started.Type)
	assert.Equal(t, testKind, started.Kind)
	require.NotNil(t, started.Session)

	session, err := f.db.FindCapture(started.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, "participant-42", session.ExternalIdentifier)
	assert.Equal(t, "session-1", session.CaptureFolder)
	assert.Equal(t, string(testKind), session.SensorKind)
	assert.Equal(t, "wide", session.Settings["lens"])
	assert.False(t, session.IsRecapture)

	require.NoError(t, f.manager.Stop(ctx, testKind))
	assert.Equal(t, capture.Stopped, f.manager.State(testKind))

	completed := <-events.C
	assert.Equal(t, capture.EventCompleted, completed.Type)
	require.Len(t, completed.Resources, 1)

	resource := completed.Resources[0]
	assert.Equal(t, session.ID, resource.CaptureID)
	assert.Equal(t, "participant-42", resource.ExternalIdentifier)
	assert.Equal(t, f.storage.Path("session-1/test"), resource.LocalLocation)
	assert.Equal(t, "https://blob.example.com/captures/session-1/test.zip", resource.RemoteLocation)
	assert.Equal(t, model.StatusPending, resource.UploadStatus)

	upload, err := f.db.FindUploadByResourceID(resource.ID)
	require.NoError(t, err)
	assert.Equal(t, "/session-1/test.zip", upload.RemoteRelativePath)
	assert.Equal(t, "captures", upload.Bucket)
	assert.True(t, upload.Multipart)
	assert.Equal(t, 1, upload.NextPartNumber)
	assert.Equal(t, model.StatusPending, upload.Status)
	assert.NotEmpty(t, upload.Checksum)

	info, err := os.Stat(upload.SourceFile)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), upload.FileSize)

	// Stop is idempotent.
	assert.NoError(t, f.manager.Stop(ctx, testKind))

	// A stopped kind must be reset before a new capture.
	err = f.manager.Start(ctx, testKind, request("session-2"))
	assert.ErrorIs(t, err, capture.ErrNotReady)

	f.manager.Reset(testKind)
	assert.Equal(t, capture.Uninitialized, f.manager.State(testKind))
}

func TestManager_SingleActiveSession(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.initWithListener(t)

	require.NoError(t, f.manager.Start(ctx, testKind, request("session-1")))
	first := f.manager.Session(testKind)

	err := f.manager.Start(ctx, testKind, request("session-2"))
	assert.ErrorIs(t, err, capture.ErrAlreadyActive)
	assert.True(t, capture.IsOrderingError(err))
	assert.Equal(t, capture.Capturing, f.manager.State(testKind))
	assert.Equal(t, first, f.manager.Session(testKind))

	err = f.manager.Init(testKind, testConfig{})
	assert.ErrorIs(t, err, capture.ErrAlreadyActive)

	err = f.manager.RegisterListener(testKind, capture.NewEventChannel(testKind, 1))
	assert.ErrorIs(t, err, capture.ErrAlreadyActive)

	captures, err := f.db.ListCaptures()
	require.NoError(t, err)
	assert.Len(t, captures, 1)
}

func TestManager_IncompatibleRequest(t *testing.T) {
	f := setup(t)
	f.initWithListener(t)

	err := f.manager.Start(context.Background(), testKind, sensor.RequestInfo{OutputFolder: "session-1"})
	assert.ErrorIs(t, err, sensor.ErrIncompatibleRequest)
	assert.Equal(t, capture.Initialized, f.manager.State(testKind))

	err = f.manager.Start(context.Background(), testKind, request(""))
	assert.ErrorIs(t, err, sensor.ErrIncompatibleRequest)
}

func TestManager_StopWhenIdle(t *testing.T) {
	f := setup(t)

	assert.NoError(t, f.manager.Stop(context.Background(), testKind))

	f.initWithListener(t)
	assert.NoError(t, f.manager.Stop(context.Background(), testKind))
	assert.Equal(t, capture.Initialized, f.manager.State(testKind))
}

func TestManager_StopWhileStoppingByItself(t *testing.T) {
	held := &holdingStorage{
		entered: make(chan struct{}),
		hold:    make(chan struct{}),
	}
	f := setup(t, func(c *capture.Controller) {
		held.Backend = c.Storage
		c.Storage = held
	})
	ctx := context.Background()

	f.initWithListener(t)
	require.NoError(t, f.manager.Start(ctx, testKind, request("session-1")))
	id := f.manager.Session(testKind).ID

	f.last().stopByItself()
	select {
	case <-held.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("capture not finalized")
	}
	assert.Equal(t, capture.Stopping, f.manager.State(testKind))

	stopped := make(chan error, 1)
	go func() {
		stopped <- f.manager.Stop(ctx, testKind)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned during the finalization")
	case <-time.After(100 * time.Millisecond):
	}

	close(held.hold)
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	assert.Equal(t, capture.Stopped, f.manager.State(testKind))
	resources, err := f.db.FindResourcesByCaptureID(id)
	require.NoError(t, err)
	assert.Len(t, resources, 1)
}

func TestManager_PauseResume(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.initWithListener(t)

	err := f.manager.Pause(ctx, testKind)
	assert.ErrorIs(t, err, capture.ErrNotReady)

	require.NoError(t, f.manager.Start(ctx, testKind, request("session-1")))

	require.NoError(t, f.manager.Pause(ctx, testKind))
	assert.Equal(t, capture.Paused, f.manager.State(testKind))
	assert.True(t, f.last().paused)

	require.NoError(t, f.manager.Resume(ctx, testKind))
	assert.Equal(t, capture.Capturing, f.manager.State(testKind))
	assert.False(t, f.last().paused)

	require.NoError(t, f.manager.Pause(ctx, testKind))
	require.NoError(t, f.manager.Stop(ctx, testKind))
	assert.Equal(t, capture.Stopped, f.manager.State(testKind))
}

func TestManager_Reset(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	events := f.initWithListener(t)

	require.NoError(t, f.manager.Start(ctx, testKind, request("session-1")))
	<-events.C

	f.manager.Reset(testKind)
	assert.Equal(t, capture.Uninitialized, f.manager.State(testKind))
	assert.True(t, f.last().killed)

	// Reset of an unknown kind is a no-op.
	f.manager.Reset("unknown")

	f.initWithListener(t)
	assert.Len(t, f.sensors, 2)
	assert.Equal(t, capture.Initialized, f.manager.State(testKind))
}

func TestManager_SensorError(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	events := f.initWithListener(t)

	require.NoError(t, f.manager.Start(ctx, testKind, request("session-1")))
	<-events.C

	f.last().fail(errors.New("hardware failure"))
	assert.Equal(t, capture.Errored, f.manager.State(testKind))

	failed := <-events.C
	assert.Equal(t, capture.EventFailed, failed.Type)
	assert.EqualError(t, failed.Err, "hardware failure")
	assert.NotNil(t, failed.Session)

	// Partial data is kept.
	filenames, err := f.storage.FilenamesFrom("session-1/test")
	require.NoError(t, err)
	assert.Equal(t, []string{"data.bin"}, filenames)

	resources, err := f.db.FindResourcesByCaptureID(failed.Session.ID)
	require.NoError(t, err)
	assert.Empty(t, resources)

	err = f.manager.Start(ctx, testKind, request("session-2"))
	assert.ErrorIs(t, err, capture.ErrNotReady)

	f.manager.Reset(testKind)
	f.initWithListener(t)
	assert.Equal(t, capture.Initialized, f.manager.State(testKind))
}

func TestManager_Recapture(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.initWithListener(t)
	require.NoError(t, f.manager.Start(ctx, testKind, request("session-1")))
	require.NoError(t, f.manager.Stop(ctx, testKind))
	first := f.manager.Session(testKind)
	f.manager.Reset(testKind)

	f.initWithListener(t)
	err := f.manager.Start(ctx, testKind, request("session-1"))
	assert.ErrorIs(t, err, capture.ErrFolderInUse)
	assert.Equal(t, capture.Initialized, f.manager.State(testKind))

	r := request("session-1")
	r.Recapture = true
	require.NoError(t, f.manager.Start(ctx, testKind, r))
	require.NoError(t, f.manager.Stop(ctx, testKind))

	second := f.manager.Session(testKind)
	assert.NotEqual(t, first.ID, second.ID)
	assert.True(t, second.IsRecapture)

	_, err = f.db.FindCapture(first.ID)
	assert.True(t, f.db.IsNotFound(err))

	captures, err := f.db.ListCaptures()
	require.NoError(t, err)
	assert.Len(t, captures, 1)

	uploads, err := f.db.AllUploads()
	require.NoError(t, err)
	assert.Len(t, uploads, 1)
}

func TestManager_DeleteCapture(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.initWithListener(t)
	require.NoError(t, f.manager.Start(ctx, testKind, request("session-1")))

	id := f.manager.Session(testKind).ID
	err := f.manager.DeleteCapture(id)
	assert.ErrorIs(t, err, capture.ErrAlreadyActive)

	require.NoError(t, f.manager.Stop(ctx, testKind))

	upload, err := f.db.AllUploads()
	require.NoError(t, err)
	require.Len(t, upload, 1)
	zip := upload[0].SourceFile

	f.transfers.busy[upload[0].ResourceID] = true
	err = f.manager.DeleteCapture(id)
	assert.ErrorIs(t, err, capture.ErrAlreadyActive)
	assert.True(t, capture.IsOrderingError(err))
	assert.FileExists(t, zip)
	assert.Zero(t, f.transfers.released)

	delete(f.transfers.busy, upload[0].ResourceID)
	require.NoError(t, f.manager.DeleteCapture(id))
	assert.Equal(t, []string{upload[0].ResourceID}, f.transfers.reserved)
	assert.Equal(t, 1, f.transfers.released)

	resources, err := f.db.FindResourcesByCaptureID(id)
	require.NoError(t, err)
	assert.Empty(t, resources)

	uploads, err := f.db.AllUploads()
	require.NoError(t, err)
	assert.Empty(t, uploads)

	_, err = os.Stat(zip)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(f.storage.Path("session-1"))
	assert.True(t, os.IsNotExist(err))
}
