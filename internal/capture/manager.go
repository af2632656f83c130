// Package capture manages the capture sessions of the sensors, one state machine per sensor kind.
package capture

import (
	"context"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/mdouchement/logger"
	"github.com/mdouchement/sensing/internal/database"
	"github.com/mdouchement/sensing/internal/model"
	"github.com/mdouchement/sensing/internal/sensor"
	"github.com/mdouchement/sensing/internal/storage"
	"github.com/pkg/errors"
)

// A Controller is an Iversion Of Control pattern used to init the capture package.
type Controller struct {
	Logger   logger.Logger
	Database database.Client
	Storage  storage.Backend
	Registry *sensor.Registry
	// Transfers excludes the deleted resources from the uploads, it may be nil.
	Transfers Transfers
	//
	Bucket    string
	BaseURL   string
	Multipart bool
}

// Transfers is implemented by the uploader owning the work items source files.
type Transfers interface {
	// Reserve fails when one of the resources is being uploaded.
	Reserve(resourceIDs ...string) (release func(), err error)
}

type component struct {
	kind     sensor.Kind
	sensor   sensor.Sensor
	state    State
	id       string
	request  sensor.RequestInfo
	session  *model.CaptureSession
	listener Listener
	data     int
	err      error
}

// A Manager owns the capture lifecycle of every sensor kind.
// It is the only mutator of the sessions state.
type Manager struct {
	ctrl Controller
	log  logger.Logger

	mu         sync.Mutex
	components map[sensor.Kind]*component
}

// NewManager returns a new Manager.
func NewManager(ctrl Controller) *Manager {
	if ctrl.Registry == nil {
		ctrl.Registry = sensor.NewRegistry()
	}

	return &Manager{
		ctrl:       ctrl,
		log:        ctrl.Logger.WithPrefix("[capture]"),
		components: map[sensor.Kind]*component{},
	}
}

// RegisterFactory registers the factory building the sensors of the kind.
func (m *Manager) RegisterFactory(kind sensor.Kind, f sensor.Factory) error {
	return m.ctrl.Registry.Register(kind, f)
}

// UnregisterFactory removes the factory of the kind.
func (m *Manager) UnregisterFactory(kind sensor.Kind) {
	m.ctrl.Registry.Unregister(kind)
}

// IsRegistered returns true if a factory is registered for the kind.
func (m *Manager) IsRegistered(kind sensor.Kind) bool {
	_, err := m.ctrl.Registry.Lookup(kind)
	return err == nil
}

// SupportedKinds returns the kinds having a registered factory.
func (m *Manager) SupportedKinds() []sensor.Kind {
	return m.ctrl.Registry.Kinds()
}

// State returns the lifecycle state of the kind.
func (m *Manager) State(kind sensor.Kind) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.components[kind]; ok {
		return c.state
	}
	return Uninitialized
}

// IsActive returns true if the kind is capturing.
func (m *Manager) IsActive(kind sensor.Kind) bool {
	return m.State(kind).IsActive()
}

// Session returns the persisted session of the kind, nil if none is started.
func (m *Manager) Session(kind sensor.Kind) *model.CaptureSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.components[kind]; ok {
		return c.session
	}
	return nil
}

// Init builds the sensor of the kind with the given config and allocates a new session identifier.
func (m *Manager) Init(kind sensor.Kind, config sensor.InitConfig) error {
	factory, err := m.ctrl.Registry.Lookup(kind)
	if err != nil {
		return err
	}

	if m.State(kind).IsActive() {
		return errors.Wrapf(ErrAlreadyActive, "init %s", kind)
	}

	s, err := factory.Create(sensor.Environment{
		Logger:  m.ctrl.Logger,
		Storage: m.ctrl.Storage,
	}, config)
	if err != nil {
		return errors.Wrapf(err, "init %s", kind)
	}
	if s.Kind() != kind {
		return errors.Wrapf(sensor.ErrIncompatibleConfig, "init %s: factory built a %s sensor", kind, s.Kind())
	}

	c := &component{
		kind:   kind,
		sensor: s,
		state:  Initialized,
		id:     uuid.Must(uuid.NewV4()).String(),
	}

	if err = s.Prepare(&sensorListener{m: m, c: c}); err != nil {
		return errors.Wrapf(err, "init %s", kind)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.components[kind]; ok && prev.state.IsActive() {
		return errors.Wrapf(ErrAlreadyActive, "init %s", kind)
	}
	m.components[kind] = c

	m.log.Debugf("%s initialized (session %s)", kind, c.id)
	return nil
}

// RegisterListener binds the listener to the initialized kind. It must be called before Start.
func (m *Manager) RegisterListener(kind sensor.Kind, l Listener) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.components[kind]
	if !ok {
		return errors.Wrapf(ErrNotReady, "register listener %s", kind)
	}
	if c.state != Initialized {
		return errors.Wrapf(ErrAlreadyActive, "register listener %s: %s", kind, c.state)
	}

	c.listener = l
	return nil
}

// Start starts the capture described by the request.
// The session is persisted and the listener notified before Start returns.
func (m *Manager) Start(ctx context.Context, kind sensor.Kind, r sensor.CaptureRequest) error {
	m.mu.Lock()
	c, ok := m.components[kind]
	if !ok {
		m.mu.Unlock()
		return errors.Wrapf(ErrNotReady, "start %s", kind)
	}
	switch {
	case c.state.IsActive():
		m.mu.Unlock()
		return errors.Wrapf(ErrAlreadyActive, "start %s", kind)
	case c.state != Initialized:
		m.mu.Unlock()
		return errors.Wrapf(ErrNotReady, "start %s: %s", kind, c.state)
	case !c.sensor.Accepts(r):
		m.mu.Unlock()
		return errors.Wrapf(sensor.ErrIncompatibleRequest, "start %s: %T", kind, r)
	}

	info := r.Common()
	if info.OutputFolder == "" {
		m.mu.Unlock()
		return errors.Wrapf(sensor.ErrIncompatibleRequest, "start %s: missing output folder", kind)
	}

	c.state = Starting
	c.request = info
	c.err = nil
	m.mu.Unlock()

	if err := m.claim(info); err != nil {
		m.revert(c)
		return errors.Wrapf(err, "start %s", kind)
	}

	if err := c.sensor.Start(ctx, r); err != nil {
		m.revert(c)
		return errors.Wrapf(err, "start %s", kind)
	}

	m.mu.Lock()
	err := c.err
	m.mu.Unlock()

	if err != nil {
		// The session could not be persisted.
		c.sensor.Kill()
		m.revert(c)
		return errors.Wrapf(err, "start %s", kind)
	}

	m.log.Infof("%s capturing into %s", kind, info.OutputFolder)
	return nil
}

// claim ensures the capture folder is free, a recapture replaces the previous session.
func (m *Manager) claim(info sensor.RequestInfo) error {
	existing, err := m.ctrl.Database.FindCaptureByFolder(info.OutputFolder)
	switch {
	case err == nil:
		if !info.Recapture {
			return errors.Wrapf(ErrFolderInUse, "%s (capture %s)", info.OutputFolder, existing.ID)
		}

		m.log.Infof("Replacing capture %s", existing.ID)
		return m.DeleteCapture(existing.ID)
	case !m.ctrl.Database.IsNotFound(err):
		return err
	}

	if info.Recapture {
		// Leftovers of a failed capture.
		return m.ctrl.Storage.Remove(info.OutputFolder)
	}
	return nil
}

func (m *Manager) revert(c *component) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.state == Starting {
		c.state = Initialized
	}
}

// Stop finalizes the capture of the kind: the sensor outputs are packaged and persisted as resources.
// Stopping a kind that is not capturing is a no-op.
// A capture already stopping, by itself or from another call, is awaited.
func (m *Manager) Stop(ctx context.Context, kind sensor.Kind) error {
	m.mu.Lock()
	c, ok := m.components[kind]
	if !ok || (c.state != Capturing && c.state != Paused && c.state != Stopping) {
		state := Uninitialized
		if ok {
			state = c.state
		}
		m.mu.Unlock()

		m.log.Infof("Stop %s ignored: %s", kind, state)
		return nil
	}
	c.state = Stopping
	m.mu.Unlock()

	if err := c.sensor.Stop(ctx); err != nil {
		return errors.Wrapf(err, "stop %s", kind)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return c.err
}

// Pause suspends the capture of the kind.
func (m *Manager) Pause(ctx context.Context, kind sensor.Kind) error {
	return m.toggle(ctx, kind, Capturing, Paused, sensor.Pause)
}

// Resume resumes the paused capture of the kind.
func (m *Manager) Resume(ctx context.Context, kind sensor.Kind) error {
	return m.toggle(ctx, kind, Paused, Capturing, sensor.Resume)
}

func (m *Manager) toggle(ctx context.Context, kind sensor.Kind, from, to State, fn func(context.Context, sensor.Sensor) error) error {
	m.mu.Lock()
	c, ok := m.components[kind]
	if !ok || c.state != from {
		m.mu.Unlock()
		return errors.Wrapf(ErrNotReady, "%s %s", to, kind)
	}
	m.mu.Unlock()

	if err := fn(ctx, c.sensor); err != nil {
		return errors.Wrapf(err, "%s %s", to, kind)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if c.state == from {
		c.state = to
	}
	return nil
}

// Reset kills the sensor of the kind if needed and forgets it.
func (m *Manager) Reset(kind sensor.Kind) {
	m.mu.Lock()
	c, ok := m.components[kind]
	delete(m.components, kind)
	m.mu.Unlock()

	if !ok {
		m.log.Debugf("Reset %s: nothing to reset", kind)
		return
	}

	if c.state.IsActive() || c.sensor.IsActive() {
		m.log.Infof("Killing %s capture", kind)
		c.sensor.Kill()
	}
}

// Shutdown stops all the active captures.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	var kinds []sensor.Kind
	for kind, c := range m.components {
		if c.state == Capturing || c.state == Paused {
			kinds = append(kinds, kind)
		}
	}
	m.mu.Unlock()

	var first error
	for _, kind := range kinds {
		if err := m.Stop(ctx, kind); err != nil {
			m.log.Error(err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// DeleteCapture deletes the capture session with its resources, upload work items and local files.
func (m *Manager) DeleteCapture(id string) error {
	m.mu.Lock()
	for kind, c := range m.components {
		if c.session != nil && c.session.ID == id && c.state.IsActive() {
			m.mu.Unlock()
			return errors.Wrapf(ErrAlreadyActive, "delete capture %s: %s is capturing", id, kind)
		}
	}
	m.mu.Unlock()

	session, err := m.ctrl.Database.FindCapture(id)
	if err != nil {
		return errors.Wrap(err, "delete capture")
	}

	resources, err := m.ctrl.Database.FindResourcesByCaptureID(id)
	if err != nil {
		return errors.Wrap(err, "delete capture")
	}

	if m.ctrl.Transfers != nil {
		ids := make([]string, 0, len(resources))
		for _, r := range resources {
			ids = append(ids, r.ID)
		}

		release, err := m.ctrl.Transfers.Reserve(ids...)
		if err != nil {
			return errors.Wrapf(ErrAlreadyActive, "delete capture %s: %s", id, err)
		}
		defer release()
	}

	var paths []string
	for _, r := range resources {
		paths = append(paths, r.LocalLocation)

		w, err := m.ctrl.Database.FindUploadByResourceID(r.ID)
		switch {
		case err == nil:
			paths = append(paths, w.SourceFile)
		case !m.ctrl.Database.IsNotFound(err):
			return errors.Wrap(err, "delete capture")
		}
	}
	paths = append(paths, session.CaptureFolder)

	if err = m.ctrl.Database.DeleteCapture(id); err != nil {
		return errors.Wrap(err, "delete capture")
	}

	for _, path := range paths {
		if path == "" {
			continue
		}
		if err = m.ctrl.Storage.Remove(path); err != nil {
			return errors.Wrap(err, "delete capture data")
		}
	}

	m.log.Infof("Capture %s deleted", id)
	return nil
}

//
// Sensor events
//

type sensorListener struct {
	m *Manager
	c *component
}

// current returns false when the component has been reset or replaced.
func (l *sensorListener) current() bool {
	return l.m.components[l.c.kind] == l.c
}

func (l *sensorListener) OnStarted(kind sensor.Kind) {
	m, c := l.m, l.c

	m.mu.Lock()
	if !l.current() || c.state != Starting {
		m.mu.Unlock()
		m.log.Debugf("Ignored %s started event", kind)
		return
	}
	session := &model.CaptureSession{
		Base:               model.Base{ID: c.id},
		ExternalIdentifier: c.request.ExternalIdentifier,
		SensorKind:         string(kind),
		CaptureFolder:      c.request.OutputFolder,
		StartedAt:          time.Now(),
		Settings:           c.request.Settings,
		IsRecapture:        c.request.Recapture,
	}
	m.mu.Unlock()

	err := m.ctrl.Database.Save(session)

	m.mu.Lock()
	if err != nil {
		c.err = errors.Wrap(err, "persist session")
		m.mu.Unlock()
		return
	}
	c.session = session
	c.state = Capturing
	listener := c.listener
	m.mu.Unlock()

	if listener != nil {
		listener.OnStart(session)
	}
}

func (l *sensorListener) OnData(kind sensor.Kind) {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()

	l.c.data++
}

func (l *sensorListener) OnStopped(kind sensor.Kind) {
	m, c := l.m, l.c

	m.mu.Lock()
	switch {
	case !l.current():
		m.mu.Unlock()
		m.log.Debugf("Ignored %s stopped event", kind)
		return
	case c.state == Capturing, c.state == Paused:
		m.log.Infof("%s stopped by itself", kind)
	case c.state != Stopping:
		m.mu.Unlock()
		m.log.Debugf("Ignored %s stopped event: %s", kind, c.state)
		return
	}
	c.state = Stopping
	session := c.session
	m.mu.Unlock()

	resources, err := m.finalize(c, session)

	m.mu.Lock()
	if err != nil {
		c.state = Errored
		c.err = err
	} else {
		c.state = Stopped
	}
	listener := c.listener
	m.mu.Unlock()

	if err != nil {
		m.log.Errorf("%s finalization: %s", kind, err)
		if listener != nil {
			listener.OnError(session, err)
		}
		return
	}

	m.log.Infof("%s capture %s completed with %d resource(s)", kind, session.ID, len(resources))
	if listener != nil {
		listener.OnComplete(session, resources)
	}
}

func (l *sensorListener) OnError(kind sensor.Kind, err error) {
	m, c := l.m, l.c

	m.mu.Lock()
	if !l.current() {
		m.mu.Unlock()
		return
	}
	c.state = Errored
	c.err = err
	session := c.session
	listener := c.listener
	m.mu.Unlock()

	// Partial data is left on disk for a recapture.
	m.log.Errorf("%s capture failed: %s", kind, err)
	if listener != nil {
		listener.OnError(session, err)
	}
}
