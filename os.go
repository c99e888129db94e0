package spacekeeper

import (
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/spacegrid/spacekeeper/internal"
)

// OS represents an interface for os package calls so they can be mocked for testing.
// The op argument names the calling operation so failures can be injected selectively.
type OS interface {
	Create(op, name string) (*os.File, error)
	MkdirAll(op, path string, perm os.FileMode) error
	Open(op, name string) (*os.File, error)
	ReadFile(op, name string) ([]byte, error)
	Remove(op, name string) error
	Rename(op, oldpath, newpath string) error
	Stat(op, name string) (os.FileInfo, error)
	WriteFile(op, name string, data []byte, perm os.FileMode) error
}

// DefaultOS is the OS implementation used when none is assigned.
var DefaultOS OS = &internal.SystemOS{}

// writeFileAtomic writes data to a temporary file, syncs it and then renames it
// over filename so readers observe either the old or the new content.
func writeFileAtomic(fsys OS, op, filename string, data []byte) (retErr error) {
	tmpPath := filename + ".tmp"
	defer func() {
		if retErr != nil {
			_ = fsys.Remove(op, tmpPath)
		}
	}()

	f, err := fsys.Create(op, tmpPath)
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(data); err != nil {
		return errors.Wrap(err, "write temp file")
	} else if err := f.Sync(); err != nil {
		return errors.Wrap(err, "fsync temp file")
	} else if err := f.Close(); err != nil {
		return errors.Wrap(err, "close temp file")
	}

	if err := fsys.Rename(op, tmpPath, filename); err != nil {
		return errors.Wrap(err, "rename temp file")
	}
	return internal.Sync(filepath.Dir(filename))
}
