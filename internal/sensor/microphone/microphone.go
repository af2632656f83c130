// Package microphone records a PCM audio stream into the capture workspace.
package microphone

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mdouchement/logger"
	"github.com/mdouchement/sensing/internal/sensor"
	"github.com/pkg/errors"
)

type (
	// Config is the microphone InitConfig.
	Config struct {
		SampleRate int
		Channels   int
		BitDepth   int
		// BufferSize is the size of a single read on the source.
		BufferSize int
		// Source opens the PCM input stream.
		Source func() (io.ReadCloser, error)
	}

	// A Request is a microphone capture request.
	Request struct {
		sensor.RequestInfo
	}
)

// CaptureMode implements sensor.InitConfig.
func (Config) CaptureMode() sensor.CaptureMode {
	return sensor.Active
}

// Factory builds microphone sensors.
var Factory = sensor.FactoryFunc(func(env sensor.Environment, config sensor.InitConfig) (sensor.Sensor, error) {
	c, ok := config.(Config)
	if !ok {
		return nil, errors.Wrapf(sensor.ErrIncompatibleConfig, "microphone: got %T", config)
	}
	if c.Source == nil {
		return nil, errors.Wrap(sensor.ErrIncompatibleConfig, "microphone: missing source")
	}

	if c.SampleRate == 0 {
		c.SampleRate = 44100
	}
	if c.Channels == 0 {
		c.Channels = 1
	}
	if c.BitDepth == 0 {
		c.BitDepth = 16
	}
	if c.BufferSize == 0 {
		c.BufferSize = c.SampleRate * c.Channels * c.BitDepth / 8 / 10 // 100ms
	}

	return &Microphone{
		env:    env,
		config: c,
		log:    env.Logger.WithPrefix("[microphone]"),
	}, nil
})

// A Microphone is a pausable sensor writing the raw samples of its source to a single file.
type Microphone struct {
	env    sensor.Environment
	config Config
	log    logger.Logger

	listener sensor.Listener
	outputs  []sensor.Output

	mu       sync.Mutex
	source   io.ReadCloser
	done     chan struct{}
	active   atomic.Bool
	paused   atomic.Bool
	stopping atomic.Bool
	killed   atomic.Bool
}

func (s *Microphone) Kind() sensor.Kind {
	return sensor.Microphone
}

func (s *Microphone) Prepare(l sensor.Listener) error {
	if s.IsActive() {
		s.log.Info("Prepare is redundant while capturing")
		return nil
	}
	s.listener = l
	return nil
}

func (s *Microphone) Accepts(r sensor.CaptureRequest) bool {
	_, ok := r.(Request)
	return ok
}

func (s *Microphone) Start(ctx context.Context, r sensor.CaptureRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.IsActive() {
		return errors.New("microphone: already capturing")
	}
	req, ok := r.(Request)
	if !ok {
		return errors.Wrapf(sensor.ErrIncompatibleRequest, "microphone: got %T", r)
	}

	folder := path.Join(req.OutputFolder, string(sensor.Microphone))
	filename := fmt.Sprintf("%d.%s", time.Now().UnixMilli(), extension(req.OutputFormat))

	src, err := s.config.Source()
	if err != nil {
		return errors.Wrap(err, "microphone: open source")
	}

	w, err := s.env.Storage.Writer(folder, filename)
	if err != nil {
		src.Close()
		return errors.Wrap(err, "microphone: open output")
	}

	s.source = src
	s.done = make(chan struct{})
	s.outputs = []sensor.Output{{
		Folder:      folder,
		Title:       req.OutputTitle,
		ContentType: contentType(req.OutputFormat),
	}}
	s.paused.Store(false)
	s.stopping.Store(false)
	s.killed.Store(false)
	s.active.Store(true)

	s.listener.OnStarted(sensor.Microphone)

	go s.record(src, w, s.done)
	return nil
}

func (s *Microphone) record(src io.Reader, w io.WriteCloser, done chan struct{}) {
	defer close(done)

	bw := bufio.NewWriterSize(w, 4*s.config.BufferSize)
	buf := make([]byte, s.config.BufferSize)

	var rerr error
	for {
		n, err := src.Read(buf)
		if n > 0 && !s.paused.Load() {
			if _, werr := bw.Write(buf[:n]); werr != nil {
				rerr = werr
				break
			}
			s.listener.OnData(sensor.Microphone)
		}
		if err != nil {
			if err != io.EOF && !s.stopping.Load() {
				rerr = err
			}
			break
		}
	}

	// Drain buffered samples before closing the output.
	if err := bw.Flush(); err != nil && rerr == nil {
		rerr = err
	}
	if err := w.Close(); err != nil && rerr == nil {
		rerr = err
	}
	s.active.Store(false)

	switch {
	case s.killed.Load():
		s.log.Debug("capture killed")
	case rerr != nil:
		s.listener.OnError(sensor.Microphone, errors.Wrap(rerr, "microphone"))
	default:
		s.listener.OnStopped(sensor.Microphone)
	}
}

func (s *Microphone) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A capture ending by itself is inactive before its listener is notified,
	// so it is awaited as well.
	if s.done == nil {
		return nil
	}
	return s.interrupt(ctx)
}

func (s *Microphone) Pause(ctx context.Context) error {
	if !s.IsActive() {
		return errors.New("microphone: not capturing")
	}
	s.paused.Store(true)
	return nil
}

func (s *Microphone) Resume(ctx context.Context) error {
	if !s.IsActive() {
		return errors.New("microphone: not capturing")
	}
	s.paused.Store(false)
	return nil
}

func (s *Microphone) Kill() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done == nil {
		return
	}
	s.killed.Store(true)
	s.interrupt(context.Background())
}

// interrupt closes the source so the pending read returns, then waits for the recorder.
func (s *Microphone) interrupt(ctx context.Context) error {
	s.stopping.Store(true)
	if err := s.source.Close(); err != nil {
		s.log.Debugf("close source: %s", err)
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Microphone) IsActive() bool {
	return s.active.Load()
}

func (s *Microphone) Outputs() []sensor.Output {
	return append([]sensor.Output(nil), s.outputs...)
}

func extension(format string) string {
	if format == "" {
		return "pcm"
	}
	if i := strings.LastIndex(format, "/"); i >= 0 {
		return format[i+1:]
	}
	return format
}

func contentType(format string) string {
	switch {
	case format == "":
		return "audio/pcm"
	case strings.Contains(format, "/"):
		return format
	default:
		return "audio/" + format
	}
}
