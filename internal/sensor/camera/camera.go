// Package camera captures still images and image streams into the capture workspace.
package camera

import (
	"context"
	"encoding/csv"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"path"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mdouchement/logger"
	"github.com/mdouchement/sensing/internal/sensor"
	"github.com/pkg/errors"
)

// FramesFilename is the name of the frame log written next to the images.
const FramesFilename = "frames.tsv"

type (
	// A FrameSource produces the frames of a camera.
	FrameSource interface {
		// NextFrame blocks until a frame is available or ctx is done.
		NextFrame(ctx context.Context) (image.Image, error)
		Close() error
	}

	// Config is the camera InitConfig.
	Config struct {
		// Source opens the camera device.
		Source func() (FrameSource, error)
		// Passive runs the camera in background.
		Passive bool
	}

	// An ImageRequest captures a single picture.
	ImageRequest struct {
		sensor.RequestInfo
		// Quality is the JPEG quality, from 1 to 100.
		Quality int
	}

	// An ImageStreamRequest captures a sequence of pictures.
	ImageStreamRequest struct {
		sensor.RequestInfo
		Quality int
		// BufferCapacity is the number of frames waiting to be written.
		BufferCapacity int
		// MaxDataCount stops the capture once reached. Zero means unbounded.
		MaxDataCount int
	}
)

// CaptureMode implements sensor.InitConfig.
func (c Config) CaptureMode() sensor.CaptureMode {
	if c.Passive {
		return sensor.Passive
	}
	return sensor.Active
}

// Factory builds camera sensors.
var Factory = sensor.FactoryFunc(func(env sensor.Environment, config sensor.InitConfig) (sensor.Sensor, error) {
	c, ok := config.(Config)
	if !ok {
		return nil, errors.Wrapf(sensor.ErrIncompatibleConfig, "camera: got %T", config)
	}
	if c.Source == nil {
		return nil, errors.Wrap(sensor.ErrIncompatibleConfig, "camera: missing source")
	}

	return &Camera{
		env:    env,
		config: c,
		log:    env.Logger.WithPrefix("[camera]"),
	}, nil
})

type frame struct {
	image image.Image
	at    time.Time
}

// A Camera writes every frame as a JPEG file and logs them in a TSV file.
type Camera struct {
	env    sensor.Environment
	config Config
	log    logger.Logger

	listener sensor.Listener
	outputs  []sensor.Output

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	active atomic.Bool
	killed atomic.Bool
}

func (s *Camera) Kind() sensor.Kind {
	return sensor.Camera
}

func (s *Camera) Prepare(l sensor.Listener) error {
	if s.IsActive() {
		s.log.Info("Prepare is redundant while capturing")
		return nil
	}
	s.listener = l
	return nil
}

func (s *Camera) Accepts(r sensor.CaptureRequest) bool {
	switch r.(type) {
	case ImageRequest, ImageStreamRequest:
		return true
	default:
		return false
	}
}

func (s *Camera) Start(ctx context.Context, r sensor.CaptureRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.IsActive() {
		return errors.New("camera: already capturing")
	}

	var stream ImageStreamRequest
	switch req := r.(type) {
	case ImageRequest:
		stream = ImageStreamRequest{
			RequestInfo:    req.RequestInfo,
			Quality:        req.Quality,
			BufferCapacity: 1,
			MaxDataCount:   1,
		}
	case ImageStreamRequest:
		stream = req
	default:
		return errors.Wrapf(sensor.ErrIncompatibleRequest, "camera: got %T", r)
	}
	if stream.BufferCapacity <= 0 {
		stream.BufferCapacity = 1
	}
	if stream.Quality <= 0 || stream.Quality > 100 {
		stream.Quality = jpeg.DefaultQuality
	}

	folder := path.Join(stream.OutputFolder, string(sensor.Camera))

	src, err := s.config.Source()
	if err != nil {
		return errors.Wrap(err, "camera: open source")
	}

	log, err := s.env.Storage.Writer(folder, FramesFilename)
	if err != nil {
		src.Close()
		return errors.Wrap(err, "camera: open frame log")
	}

	cctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.outputs = []sensor.Output{{
		Folder:      folder,
		Title:       stream.OutputTitle,
		ContentType: "image/jpeg",
	}}
	s.killed.Store(false)
	s.active.Store(true)

	s.listener.OnStarted(sensor.Camera)

	frames := make(chan frame, stream.BufferCapacity)
	errc := make(chan error, 1)
	go s.produce(cctx, src, frames, errc)
	go s.consume(stream, folder, log, frames, errc, s.done)
	return nil
}

func (s *Camera) produce(ctx context.Context, src FrameSource, frames chan<- frame, errc chan<- error) {
	defer close(frames)
	defer src.Close()

	for {
		img, err := src.NextFrame(ctx)
		if err != nil {
			if ctx.Err() == nil && err != io.EOF {
				errc <- err
			}
			return
		}

		select {
		case frames <- frame{image: img, at: time.Now()}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Camera) consume(req ImageStreamRequest, folder string, log io.WriteCloser, frames <-chan frame, errc <-chan error, done chan struct{}) {
	defer close(done)

	tsv := csv.NewWriter(log)
	tsv.Comma = '\t'
	werr := tsv.Write([]string{"index", "timestamp", "filename", "width", "height"})

	count := 0
	for f := range frames {
		if werr != nil || s.killed.Load() {
			continue // Drain so the producer can exit.
		}
		if req.MaxDataCount > 0 && count >= req.MaxDataCount {
			continue
		}

		filename := fmt.Sprintf("%06d.jpg", count)
		if werr = s.write(folder, filename, f.image, req.Quality); werr != nil {
			s.cancel()
			continue
		}

		b := f.image.Bounds()
		werr = tsv.Write([]string{
			strconv.Itoa(count),
			strconv.FormatInt(f.at.UnixMilli(), 10),
			filename,
			strconv.Itoa(b.Dx()),
			strconv.Itoa(b.Dy()),
		})
		count++
		s.listener.OnData(sensor.Camera)

		if req.MaxDataCount > 0 && count >= req.MaxDataCount {
			s.cancel()
		}
	}

	tsv.Flush()
	if err := tsv.Error(); err != nil && werr == nil {
		werr = err
	}
	if err := log.Close(); err != nil && werr == nil {
		werr = err
	}
	if werr == nil {
		select {
		case werr = <-errc:
		default:
		}
	}
	s.active.Store(false)

	switch {
	case s.killed.Load():
		s.log.Debug("capture killed")
	case werr != nil:
		s.listener.OnError(sensor.Camera, errors.Wrap(werr, "camera"))
	default:
		s.log.Debugf("%d frames captured", count)
		s.listener.OnStopped(sensor.Camera)
	}
}

func (s *Camera) write(folder, filename string, img image.Image, quality int) error {
	w, err := s.env.Storage.Writer(folder, filename)
	if err != nil {
		return err
	}

	if err = jpeg.Encode(w, img, &jpeg.Options{Quality: quality}); err != nil {
		w.Close()
		return errors.Wrap(err, "encode")
	}
	return w.Close()
}

func (s *Camera) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A capture ending by itself is inactive before its listener is notified,
	// so it is awaited as well.
	if s.done == nil {
		return nil
	}
	return s.interrupt(ctx)
}

func (s *Camera) Kill() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done == nil {
		return
	}
	s.killed.Store(true)
	s.interrupt(context.Background())
}

// interrupt stops the frame production and waits for the buffered frames to be written.
func (s *Camera) interrupt(ctx context.Context) error {
	s.cancel()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Camera) IsActive() bool {
	return s.active.Load()
}

func (s *Camera) Outputs() []sensor.Output {
	return append([]sensor.Output(nil), s.outputs...)
}
