// Package scheduler triggers the synchronization runs periodically and on demand.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mdouchement/logger"
	"github.com/mdouchement/sensing/internal/storage"
	"github.com/mdouchement/sensing/internal/synchronizer"
	"github.com/mdouchement/sensing/internal/upload"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
)

type (
	// A Controller is an Iversion Of Control pattern used to init the scheduler package.
	Controller struct {
		Logger       logger.Logger
		Synchronizer *synchronizer.Synchronizer
		Storage      storage.Backend
		// Specification is the cron specification of the periodic runs.
		Specification string
		Retry         Retry
	}

	// Retry is the exponential backoff applied after a failed run.
	// A zero MaxRetries disables the retries.
	Retry struct {
		InitialInterval time.Duration
		MaxInterval     time.Duration
		MaxRetries      uint64
	}

	// A Scheduler runs the synchronizations in background.
	Scheduler struct {
		ctrl    Controller
		log     logger.Logger
		cron    *cron.Cron
		trigger chan struct{}

		mu     sync.Mutex
		cancel context.CancelFunc
		wg     sync.WaitGroup
	}
)

// New returns a new Scheduler.
func New(c Controller) (*Scheduler, error) {
	s := &Scheduler{
		ctrl: c,
		log:  c.Logger.WithPrefix("[scheduler]"),
		// The cron job only posts a trigger, runs are serialized by the
		// single trigger loop started in Start and by Synchronizer.Run.
		cron:    cron.New(),
		trigger: make(chan struct{}, 1),
	}

	if c.Specification == "" {
		return s, nil
	}

	_, err := s.cron.AddFunc(c.Specification, func() {
		s.Trigger()
	})
	if err != nil {
		return nil, errors.Wrapf(err, "invalid schedule %q", c.Specification)
	}
	s.log.Infof("Synchronization task registred (%s)", c.Specification)

	return s, nil
}

// Start lauches the scheduler asynchronously.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.trigger:
				s.run(ctx)
			}
		}
	}()

	s.cron.Start()
	s.log.Info("Scheduler is running")
}

// Stop stops the scheduler and waits for the current run.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}

	<-s.cron.Stop().Done()
	cancel()
	s.wg.Wait()
	s.log.Info("Scheduler is stopped")
}

// Trigger requests a synchronization run.
// It returns false when a run is already requested.
func (s *Scheduler) Trigger() bool {
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Scheduler) run(ctx context.Context) {
	err := backoff.RetryNotify(func() error {
		err := s.ctrl.Synchronizer.Run(ctx, func(synchronizer.State) {})
		if errors.Is(err, upload.ErrInvariant) || errors.Is(err, context.Canceled) {
			return backoff.Permanent(err)
		}
		return err
	}, s.backoff(ctx), func(err error, d time.Duration) {
		s.log.Infof("Synchronization retried in %s: %s", d, err)
	})
	if err != nil {
		s.log.Errorf("Synchronization failed: %s", err)
	}

	s.log.Debug("Storage cleanup")
	if err = s.ctrl.Storage.Cleanup(); err != nil {
		s.log.Error(err)
	}
}

func (s *Scheduler) backoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	if s.ctrl.Retry.InitialInterval > 0 {
		b.InitialInterval = s.ctrl.Retry.InitialInterval
	}
	if s.ctrl.Retry.MaxInterval > 0 {
		b.MaxInterval = s.ctrl.Retry.MaxInterval
	}
	b.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(b, s.ctrl.Retry.MaxRetries), ctx)
}
