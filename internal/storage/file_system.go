package storage

import (
	"encoding/hex"
	"io"
	fspkg "io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/pkg/errors"
	"github.com/zeebo/blake3"
)

type fs struct {
	workspace string
}

// NewFileSystem returns a new File System backend.
func NewFileSystem(workspace string) Backend {
	abs, err := filepath.Abs(workspace)
	if err == nil {
		workspace = abs
	}

	return &fs{
		workspace: workspace,
	}
}

func (b *fs) Name() string {
	return "file_system"
}

func (b *fs) Path(folder string) string {
	if filepath.IsAbs(folder) && strings.HasPrefix(folder, b.workspace) {
		return filepath.Clean(folder)
	}
	return filepath.Join(b.workspace, folder)
}

func (b *fs) MkdirAll(folder string) error {
	err := os.MkdirAll(b.Path(folder), 0755)
	return errors.Wrap(err, "could not create folder")
}

func (b *fs) Writer(folder, filename string) (io.WriteCloser, error) {
	if err := b.MkdirAll(folder); err != nil {
		return nil, err
	}

	wc, err := os.Create(filepath.Join(b.Path(folder), filename))
	if err != nil {
		return nil, errors.Wrap(err, "could not create file")
	}
	return wc, nil
}

func (b *fs) FilenamesFrom(folder string) ([]string, error) {
	entries, err := os.ReadDir(b.Path(folder))
	if err != nil {
		return nil, err
	}

	var filenames []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		filenames = append(filenames, entry.Name())
	}

	return filenames, nil
}

func (b *fs) Open(path string) (File, error) {
	f, err := os.Open(b.Path(path))
	if err != nil {
		return nil, errors.Wrap(err, "could not open file")
	}
	return f, nil
}

func (b *fs) Package(folder string) (*Package, error) {
	root := b.Path(folder)
	if _, err := os.Stat(root); err != nil {
		return nil, errors.Wrap(err, "package")
	}

	pkg := &Package{
		Path: root + ".zip",
	}

	f, err := os.Create(pkg.Path)
	if err != nil {
		return nil, errors.Wrap(err, "package: destination")
	}
	defer f.Close()

	//

	h := blake3.New()
	cw := &counter{w: io.MultiWriter(f, h)}
	zw := zip.NewWriter(cw)

	err = filepath.WalkDir(root, func(path string, d fspkg.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}

		name, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		name = filepath.ToSlash(name)

		if d.IsDir() {
			_, err = zw.Create(name + "/")
			return err
		}

		w, err := zw.Create(name)
		if err != nil {
			return err
		}

		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()

		_, err = io.Copy(w, src)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "package")
	}

	if err = zw.Close(); err != nil {
		return nil, errors.Wrap(err, "package: close")
	}

	if err = f.Sync(); err != nil {
		return nil, errors.Wrap(err, "package: destination")
	}

	pkg.Size = cw.n
	pkg.Checksum = hex.EncodeToString(h.Sum(nil))
	return pkg, nil
}

func (b *fs) Remove(path string) error {
	err := os.RemoveAll(b.Path(path))
	if err != nil {
		return errors.Wrap(err, "could not delete file")
	}
	return nil
}

func (b *fs) Cleanup() error {
	// Find empty directories.
	//
	stats := map[string]int{}
	err := filepath.Walk(b.workspace, func(path string, info fspkg.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.IsDir() {
			if path == b.workspace {
				return nil
			}
			stats[path] += 0
			return nil
		}

		if strings.HasSuffix(path, ".DS_Store") {
			return nil
		}

		trimmedpath := strings.Replace(path, b.workspace, "", 1)
		base := b.workspace

		for _, segment := range strings.Split(filepath.Dir(trimmedpath), string(os.PathSeparator)) {
			base = filepath.Join(base, segment)
			if base == b.workspace || !strings.HasPrefix(base, b.workspace) {
				continue
			}
			stats[base]++
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "cleanup")
	}

	// Remove empty directories.
	//
	for dirname, count := range stats {
		if count == 0 {
			os.RemoveAll(dirname)
		}
	}
	return nil
}

type counter struct {
	w io.Writer
	n int64
}

func (c *counter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
