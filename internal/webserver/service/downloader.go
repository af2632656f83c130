package service

import (
	"io"

	"github.com/mdouchement/sensing/internal/model"
	"github.com/mdouchement/sensing/internal/storage"
	"github.com/pkg/errors"
)

// ErrGone is returned when the package has been removed after its upload.
var ErrGone = errors.New("package already uploaded")

// A PackageDownloader streams the local package of a resource waiting for its upload.
type PackageDownloader struct {
	storage storage.Backend
	item    *model.UploadWorkItem
}

// NewPackageDownloader returns a new PackageDownloader.
func NewPackageDownloader(storage storage.Backend, item *model.UploadWorkItem) *PackageDownloader {
	return &PackageDownloader{
		storage: storage,
		item:    item,
	}
}

func (s *PackageDownloader) Stream() (io.ReadCloser, error) {
	if s.item.Status == model.StatusUploaded {
		return nil, ErrGone
	}

	f, err := s.storage.Open(s.item.SourceFile)
	if err != nil {
		return nil, errors.Wrap(err, "PackageDownloader")
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "PackageDownloader")
	}
	if stat.Size() != s.item.FileSize {
		f.Close()
		return nil, errors.Errorf("PackageDownloader: package is %d bytes, %d expected", stat.Size(), s.item.FileSize)
	}

	return f, nil
}

func (s *PackageDownloader) ContentType() string {
	return "application/zip"
}

func (s *PackageDownloader) Size() int64 {
	return s.item.FileSize
}

func (s *PackageDownloader) Checksum() string {
	return s.item.Checksum
}
