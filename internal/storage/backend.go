package storage

import (
	"io"
	fspkg "io/fs"
)

type (
	// Backend is the interface that wraps the capture workspace operations.
	// Folders are relative to the workspace root.
	Backend interface {
		// Name returns the name of the backend implementation.
		Name() string
		// Path returns the absolute location of the given folder.
		Path(folder string) string

		// MkdirAll creates the folder and its parents.
		MkdirAll(folder string) error
		// Writer returns a WriteCloser of the file.
		Writer(folder, filename string) (io.WriteCloser, error)
		// FilenamesFrom list all the filenames of the given folder.
		FilenamesFrom(folder string) ([]string, error)
		// Open opens the given file for reading, the path is absolute or relative to the workspace.
		Open(path string) (File, error)
		// Package archives the folder into a zip file placed next to it.
		Package(folder string) (*Package, error)

		// Remove deletes the given file or folder, the path is absolute or relative to the workspace.
		Remove(path string) error
		// Cleanup cleans useless artifacts in storage.
		Cleanup() error
	}

	// A File is a readable file of the workspace.
	File interface {
		io.ReadSeekCloser
		Stat() (fspkg.FileInfo, error)
	}

	// A Package is a packaged output folder ready to be uploaded.
	Package struct {
		Path     string
		Size     int64
		Checksum string
	}
)
