// Package osfile adapts operating system files for use as store backends.
//
// It provides the platform specific pieces the storage engine needs:
// advisory locking of a data file, data-only sync, recognition of disk-full
// errors and atomic replacement of small metadata files.
package osfile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
)

// ErrLocked is returned when another process holds the lock on a file.
var ErrLocked = errors.New("file is locked by another process")

// File is an *os.File whose Sync only flushes file data where the platform
// allows it, and which is advisory-locked for the lifetime of the handle.
type File struct {
	*os.File
	locked bool
}

// Open opens path for reading and writing, creating it when missing, and
// takes an exclusive lock on it. With readOnly the file must exist and the
// lock is shared.
func Open(path string, readOnly bool) (*File, error) {
	flag, perm := os.O_RDWR|os.O_CREATE, fs.FileMode(0o600)
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}
	if err = lock(f, !readOnly); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	return &File{File: f, locked: true}, nil
}

// Sync commits the file data to stable storage.
func (f *File) Sync() error {
	return datasync(f.File)
}

// Size returns the current file size.
func (f *File) Size() (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Close releases the lock and closes the file.
func (f *File) Close() error {
	if f.locked {
		f.locked = false
		unlock(f.File)
	}
	return f.File.Close()
}

// IsNoSpace reports whether err means the device or quota is exhausted.
func IsNoSpace(err error) bool {
	return err != nil && isNoSpace(err)
}

// ReadFile returns the content of path, or nil when path does not exist.
func ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

// WriteFile replaces path with data atomically: the bytes go to a temporary
// file in the same directory which is synced and renamed over path.
func WriteFile(path string, data []byte, perm fs.FileMode) (err error) {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, "."+base+".*.tmp")
	if err != nil {
		return
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return
	}
	if runtime.GOOS != "windows" {
		if err = tmp.Chmod(perm); err != nil {
			return
		}
	}
	if err = datasync(tmp); err != nil {
		return
	}
	if err = tmp.Close(); err != nil {
		return
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return
	}
	return SyncDir(dir)
}

// SyncDir makes a rename or create inside dir durable.
func SyncDir(dir string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err = d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return err
	}
	return nil
}
