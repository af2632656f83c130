package camera

import (
	"context"
	"image"
	_ "image/jpeg" // decoder
	_ "image/png"  // decoder
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// A DirectorySource replays the images of a directory in lexical order, one per interval.
type DirectorySource struct {
	filenames []string
	interval  time.Duration
}

// NewDirectorySource returns a Source opener reading the images of dir.
func NewDirectorySource(dir string, interval time.Duration) func() (FrameSource, error) {
	return func() (FrameSource, error) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, errors.Wrap(err, "directory source")
		}

		s := &DirectorySource{interval: interval}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			switch strings.ToLower(filepath.Ext(entry.Name())) {
			case ".jpg", ".jpeg", ".png":
				s.filenames = append(s.filenames, filepath.Join(dir, entry.Name()))
			}
		}
		sort.Strings(s.filenames)

		return s, nil
	}
}

// NextFrame implements FrameSource.
func (s *DirectorySource) NextFrame(ctx context.Context) (image.Image, error) {
	if len(s.filenames) == 0 {
		return nil, io.EOF
	}

	if s.interval > 0 {
		select {
		case <-time.After(s.interval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	filename := s.filenames[0]
	s.filenames = s.filenames[1:]

	f, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrap(err, "directory source")
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	return img, errors.Wrapf(err, "directory source: %s", filepath.Base(filename))
}

// Close implements FrameSource.
func (s *DirectorySource) Close() error {
	s.filenames = nil
	return nil
}
