package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/mdouchement/sensing/internal/capture"
	"github.com/mdouchement/sensing/internal/sensor"
	"github.com/mdouchement/sensing/internal/sensor/camera"
	"github.com/mdouchement/sensing/internal/sensor/microphone"
	"github.com/mdouchement/sensing/internal/synchronizer"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type captureFlags struct {
	externalID string
	folder     string
	title      string
	format     string
	recapture  bool
	duration   time.Duration
	upload     bool
}

func (f *captureFlags) register(c *cobra.Command) {
	c.Flags().StringVarP(&f.externalID, "external-id", "e", "", "External identifier of the capture")
	c.Flags().StringVarP(&f.folder, "folder", "f", "", "Capture folder, relative to the workspace")
	c.Flags().StringVarP(&f.title, "title", "t", "", "Title of the produced resources")
	c.Flags().StringVar(&f.format, "format", "", "Output format")
	c.Flags().BoolVar(&f.recapture, "recapture", false, "Replace the previous capture of the folder")
	c.Flags().DurationVar(&f.duration, "duration", 0, "Stop the capture after the given duration")
	c.Flags().BoolVar(&f.upload, "upload", false, "Synchronize the produced resources")
	c.MarkFlagRequired("folder")
}

func (f *captureFlags) info() sensor.RequestInfo {
	return sensor.RequestInfo{
		ExternalIdentifier: f.externalID,
		OutputFolder:       f.folder,
		OutputFormat:       f.format,
		OutputTitle:        f.title,
		Recapture:          f.recapture,
	}
}

func captureCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "capture",
		Short: "Capture from a sensor",
	}

	//

	var (
		mic        captureFlags
		input      string
		sampleRate int
		channels   int
	)
	microphoneCmd := &cobra.Command{
		Use:   "microphone",
		Short: "Record a PCM stream (a file or `-' for stdin)",
		Args:  cobra.ExactArgs(0),
		RunE: func(c *cobra.Command, _ []string) error {
			source := func() (io.ReadCloser, error) {
				if input == "-" {
					return os.Stdin, nil
				}
				return os.Open(input)
			}

			return record(c.Context(), &mic, sensor.Microphone, microphone.Config{
				SampleRate: sampleRate,
				Channels:   channels,
				Source:     source,
			}, microphone.Request{RequestInfo: mic.info()})
		},
	}
	mic.register(microphoneCmd)
	microphoneCmd.Flags().StringVarP(&input, "input", "i", "-", "PCM input")
	microphoneCmd.Flags().IntVar(&sampleRate, "sample-rate", 44100, "Sample rate in Hz")
	microphoneCmd.Flags().IntVar(&channels, "channels", 1, "Number of channels")
	c.AddCommand(microphoneCmd)

	//

	var (
		cam      captureFlags
		frames   string
		interval time.Duration
		quality  int
		count    int
	)
	cameraCmd := &cobra.Command{
		Use:   "camera",
		Short: "Capture the images of a frames directory",
		Args:  cobra.ExactArgs(0),
		RunE: func(c *cobra.Command, _ []string) error {
			return record(c.Context(), &cam, sensor.Camera, camera.Config{
				Source: camera.NewDirectorySource(frames, interval),
			}, camera.ImageStreamRequest{
				RequestInfo:    cam.info(),
				Quality:        quality,
				BufferCapacity: 8,
				MaxDataCount:   count,
			})
		},
	}
	cam.register(cameraCmd)
	cameraCmd.Flags().StringVar(&frames, "frames", "", "Directory of jpg/png frames")
	cameraCmd.Flags().DurationVar(&interval, "interval", 100*time.Millisecond, "Interval between two frames")
	cameraCmd.Flags().IntVarP(&quality, "quality", "q", 90, "JPEG quality")
	cameraCmd.Flags().IntVar(&count, "count", 0, "Number of frames to capture, zero for all")
	cameraCmd.MarkFlagRequired("frames")
	c.AddCommand(cameraCmd)

	return c
}

// record runs a capture until the sensor stops by itself, the duration elapses or an interrupt is received.
func record(ctx context.Context, flags *captureFlags, kind sensor.Kind, cfg sensor.InitConfig, r sensor.CaptureRequest) error {
	a, err := open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	if err = a.manager.Init(kind, cfg); err != nil {
		return err
	}
	events := capture.NewEventChannel(kind, 4)
	if err = a.manager.RegisterListener(kind, events); err != nil {
		return err
	}

	if err = a.manager.Start(ctx, kind, r); err != nil {
		return err
	}

	var timeout <-chan time.Time
	if flags.duration > 0 {
		timer := time.NewTimer(flags.duration)
		defer timer.Stop()
		timeout = timer.C
	}

	interrupted := ctx.Done()
	for {
		select {
		case <-interrupted:
			interrupted, timeout = nil, nil
			if err = a.manager.Stop(context.Background(), kind); err != nil {
				return err
			}
		case <-timeout:
			interrupted, timeout = nil, nil
			if err = a.manager.Stop(context.Background(), kind); err != nil {
				return err
			}
		case event := <-events.C:
			switch event.Type {
			case capture.EventStarted:
				fmt.Printf("Capture %s started in %s\n", event.Session.ID, event.Session.CaptureFolder)
			case capture.EventFailed:
				return errors.Wrap(event.Err, "capture failed")
			case capture.EventCompleted:
				for _, resource := range event.Resources {
					fmt.Printf("Resource %s: %s\n", resource.ID, resource.RemoteLocation)
				}

				if !flags.upload {
					return nil
				}
				return a.synchronizer.Run(context.Background(), func(state synchronizer.State) {
					fmt.Println(state)
				})
			}
		}
	}
}
