// Package synchronizer uploads the pending work items, one at a time, and reports the run progress.
package synchronizer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mdouchement/logger"
	"github.com/mdouchement/sensing/internal/blobstore"
	"github.com/mdouchement/sensing/internal/database"
	"github.com/mdouchement/sensing/internal/model"
	"github.com/mdouchement/sensing/internal/upload"
	"github.com/mdouchement/sensing/internal/xpath"
	"github.com/pkg/errors"
)

// DefaultMaxFailedAttempts is the number of failed runs after which a work item is given up.
const DefaultMaxFailedAttempts = 3

// ErrTransferring is returned when a reserved resource is being uploaded.
var ErrTransferring = errors.New("resource is being uploaded")

// A Controller is an Iversion Of Control pattern used to init the synchronizer package.
type Controller struct {
	Logger   logger.Logger
	Database database.Client
	Client   blobstore.Client
	Engine   *upload.Engine
	// MaxFailedAttempts marks a work item as failed, zero disables it.
	MaxFailedAttempts int
}

// A Synchronizer runs the synchronizations. Only one run can be active at a time.
type Synchronizer struct {
	ctrl      Controller
	log       logger.Logger
	processor *processor
	running   atomic.Bool

	mu   sync.Mutex
	last State
	at   time.Time

	// The engine owns the source file of the current item until its completion.
	omu      sync.Mutex
	current  string
	reserved map[string]int
}

// New returns a new Synchronizer.
func New(ctrl Controller) *Synchronizer {
	return &Synchronizer{
		ctrl: ctrl,
		log:  ctrl.Logger.WithPrefix("[sync]"),
		processor: &processor{
			db:                ctrl.Database,
			maxFailedAttempts: ctrl.MaxFailedAttempts,
		},
		last:     State{Type: StateNoOp},
		reserved: map[string]int{},
	}
}

// Reserve excludes the resources from the transfers until release is called.
// It fails with ErrTransferring when one of them is the item currently uploaded.
func (s *Synchronizer) Reserve(resourceIDs ...string) (release func(), err error) {
	s.omu.Lock()
	defer s.omu.Unlock()

	for _, id := range resourceIDs {
		if id != "" && id == s.current {
			return nil, errors.Wrap(ErrTransferring, id)
		}
	}

	for _, id := range resourceIDs {
		s.reserved[id]++
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.omu.Lock()
			defer s.omu.Unlock()

			for _, id := range resourceIDs {
				if s.reserved[id]--; s.reserved[id] <= 0 {
					delete(s.reserved, id)
				}
			}
		})
	}, nil
}

// acquire marks the resource as the current transfer.
func (s *Synchronizer) acquire(resourceID string) bool {
	s.omu.Lock()
	defer s.omu.Unlock()

	if s.reserved[resourceID] > 0 {
		return false
	}
	s.current = resourceID
	return true
}

func (s *Synchronizer) finish() {
	s.omu.Lock()
	s.current = ""
	s.omu.Unlock()
}

// IsRunning returns true while a run is active.
func (s *Synchronizer) IsRunning() bool {
	return s.running.Load()
}

// Last returns the last emitted state and its time.
func (s *Synchronizer) Last() (State, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.last, s.at
}

// Synchronize starts a run in background and returns its states.
// The channel is closed at the end of the run and must be drained.
func (s *Synchronizer) Synchronize(ctx context.Context) <-chan State {
	states := make(chan State, 16)
	go func() {
		defer close(states)
		s.Run(ctx, func(state State) {
			states <- state
		})
	}()
	return states
}

// Run uploads all the pending and interrupted work items, sequentially.
// The run is aborted at the first failure, the error is returned after StateFailed is observed.
// A call while another run is active only observes StateNoOp.
func (s *Synchronizer) Run(ctx context.Context, observe func(State)) error {
	if !s.running.CompareAndSwap(false, true) {
		s.log.Info("Synchronization already running")
		observe(State{Type: StateNoOp})
		return nil
	}
	defer s.running.Store(false)

	emit := func(state State) {
		s.mu.Lock()
		s.last = state
		s.at = time.Now()
		s.mu.Unlock()

		s.log.Debug(state)
		observe(state)
	}

	total, completed := 0, 0
	skipped := map[string]bool{}
	for round := 0; ; round++ {
		// Interrupted items first.
		fetched, err := s.ctrl.Database.FindUploadsByStatus(model.StatusUploading, model.StatusPending)
		if err != nil {
			emit(State{Type: StateFailed, Total: total, Completed: completed, Err: err})
			return errors.Wrap(err, "fetch uploads")
		}

		items := fetched[:0]
		for _, item := range fetched {
			if !skipped[item.ID] {
				items = append(items, item)
			}
		}

		if round == 0 {
			emit(State{Type: StateStarted, Total: len(items)})
			s.log.Infof("Synchronization started with %d upload(s)", len(items))
		}
		if len(items) == 0 {
			break
		}
		if round > 0 {
			s.log.Infof("%d upload(s) enqueued during the run", len(items))
		}
		total += len(items)

		for _, item := range items {
			if !s.acquire(item.ResourceID) {
				s.log.Infof("Resource %s is reserved, skipped", item.ResourceID)
				skipped[item.ID] = true
				total--
				continue
			}

			// The item may have been deleted since the fetch.
			item, err = s.ctrl.Database.FindUpload(item.ID)
			switch {
			case err == nil:
				err = s.transfer(ctx, item, total, &completed, emit)
			case s.ctrl.Database.IsNotFound(err):
				s.log.Infof("Resource deleted during the run, skipped")
				total--
				err = nil
			default:
				emit(State{Type: StateFailed, Total: total, Completed: completed, Err: err})
				err = errors.Wrap(err, "fetch upload")
			}
			s.finish()
			if err != nil {
				return err
			}
		}
	}

	emit(State{Type: StateCompleted, Total: total, Completed: completed})
	s.log.Infof("Synchronization completed: %d upload(s)", total)
	return nil
}

func (s *Synchronizer) transfer(ctx context.Context, item *model.UploadWorkItem, total int, completed *int, emit func(State)) error {
	progress := State{
		Type:                 StateInProgress,
		Total:                total,
		Completed:            *completed,
		ItemTotalBytes:       item.FileSize,
		ItemTransferredBytes: item.BytesTransferred,
	}
	emit(progress)

	err := s.ctrl.Engine.Upload(ctx, item, func(ev upload.Event) error {
		if err := s.processor.apply(item, ev); err != nil {
			return err
		}

		switch ev.Type {
		case upload.EventProgress:
			progress.ItemTransferredBytes = item.BytesTransferred
			emit(progress)
		case upload.EventCompleted:
			*completed++
			progress.Completed = *completed
			progress.ItemTransferredBytes = item.BytesTransferred
			emit(progress)
		}
		return nil
	})
	if err == nil {
		return nil
	}

	if errors.Is(err, upload.ErrInvariant) {
		s.log.Errorf("Resource %s: %+v", item.ResourceID, err)
	} else {
		s.log.Errorf("Resource %s: %s (attempt %d)", item.ResourceID, err, item.FailedAttempts)
	}

	if item.Status == model.StatusFailed {
		s.abandon(item)
	}

	emit(State{
		Type:       StateFailed,
		Total:      total,
		Completed:  *completed,
		ResourceID: item.ResourceID,
		Err:        err,
	})
	return errors.Wrapf(err, "resource %s", item.ResourceID)
}

// abandon releases the remote session of a given up work item.
func (s *Synchronizer) abandon(item *model.UploadWorkItem) {
	s.log.Errorf("Resource %s is given up", item.ResourceID)
	if s.ctrl.Client == nil || !item.HasSession() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.ctrl.Engine.Options().PartTimeout)
	defer cancel()

	err := s.ctrl.Client.Abort(ctx, item.Bucket, xpath.Key(item.RemoteRelativePath), item.SessionUploadID)
	if err != nil {
		s.log.Errorf("Resource %s: %s", item.ResourceID, err)
	}
}
