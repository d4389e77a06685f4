// Package mem provides an in-memory clusterbox.File for tests and tools.
package mem

import (
	"io"
	"io/fs"
	"sync"
	"syscall"

	"github.com/dacapoday/clusterbox"
)

// File is an in-memory implementation of the clusterbox.File interface.
// It is safe for concurrent use by multiple goroutines.
//
// File requires no initialization - just declare and use:
//
//	var f File
//	f.WriteAt([]byte("hello"), 0)
//
// A File can simulate a full disk with SetLimit and arbitrary I/O failures
// with SetFault.
type File struct {
	rw    sync.RWMutex
	data  []byte
	limit int64
	fault Fault
	syncs int
}

var _ clusterbox.File = new(File)

// Fault decides whether an operation fails. op is one of "read", "write",
// "truncate" or "sync"; off and n describe the byte range involved.
// Returning a non-nil error makes the operation fail without side effects.
type Fault func(op string, off int64, n int) error

// SetFault installs fn as the fault hook. A nil fn removes it.
func (file *File) SetFault(fn Fault) {
	file.rw.Lock()
	file.fault = fn
	file.rw.Unlock()
}

// SetLimit caps the file size. Growing past limit fails with ENOSPC.
// Zero means unlimited.
func (file *File) SetLimit(limit int64) {
	file.rw.Lock()
	file.limit = limit
	file.rw.Unlock()
}

// Close clears all data stored in the File and releases memory.
// After Close, the file size becomes 0.
// It is safe to write to the file again after closing.
func (file *File) Close() error {
	file.rw.Lock()
	file.data = nil
	file.rw.Unlock()
	return nil
}

// Size returns the current size of the file in bytes.
func (file *File) Size() int64 {
	file.rw.RLock()
	defer file.rw.RUnlock()
	return int64(len(file.data))
}

// Syncs returns how many times Sync succeeded.
func (file *File) Syncs() int {
	file.rw.RLock()
	defer file.rw.RUnlock()
	return file.syncs
}

// Bytes returns a copy of the file content.
func (file *File) Bytes() []byte {
	file.rw.RLock()
	defer file.rw.RUnlock()
	return append([]byte(nil), file.data...)
}

// ReadFrom reads data from r until EOF and replaces the entire file content.
// It implements io.ReaderFrom interface.
func (file *File) ReadFrom(r io.Reader) (n int64, err error) {
	data, err := io.ReadAll(r)
	file.rw.Lock()
	file.data = data
	file.rw.Unlock()
	return int64(len(data)), err
}

// WriteTo writes the entire file content to w.
// It implements io.WriterTo interface.
func (file *File) WriteTo(w io.Writer) (n int64, err error) {
	file.rw.RLock()
	defer file.rw.RUnlock()
	c, err := w.Write(file.data)
	return int64(c), err
}

// WriteAt writes len(p) bytes from p to the file starting at byte offset off.
// It implements io.WriterAt interface.
//
// If the write position extends beyond the current file size, the file
// is grown and the gap is filled with zero bytes.
func (file *File) WriteAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, io.ErrUnexpectedEOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	file.rw.Lock()
	defer file.rw.Unlock()

	if err = file.check("write", off, len(p)); err != nil {
		return
	}
	end := off + int64(len(p))
	if end > int64(len(file.data)) {
		if err = file.grow(end); err != nil {
			// A full disk still accepts the bytes that fit.
			if fit := file.limit - off; fit > 0 {
				if file.limit > int64(len(file.data)) {
					file.grow(file.limit)
				}
				n = copy(file.data[off:], p[:fit])
			}
			return
		}
	}
	return copy(file.data[off:], p), nil
}

// ReadAt reads len(p) bytes into p starting at byte offset off in the file.
// It implements io.ReaderAt interface.
func (file *File) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, io.ErrUnexpectedEOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	file.rw.RLock()
	defer file.rw.RUnlock()

	if err = file.check("read", off, len(p)); err != nil {
		return
	}
	if off >= int64(len(file.data)) {
		return 0, io.EOF
	}
	n = copy(p, file.data[off:])
	if n < len(p) {
		err = io.EOF
	}
	return
}

// Truncate changes the size of the file.
//
// If the new size is smaller than the current size, the extra data is discarded.
// If the new size is larger, the file is extended and the new space is filled
// with zero bytes.
func (file *File) Truncate(size int64) error {
	if size < 0 {
		return &fs.PathError{Op: "truncate", Path: "mem", Err: syscall.EINVAL}
	}

	file.rw.Lock()
	defer file.rw.Unlock()

	if err := file.check("truncate", size, 0); err != nil {
		return err
	}
	if size <= int64(len(file.data)) {
		clear(file.data[size:])
		file.data = file.data[:size]
		return nil
	}
	return file.grow(size)
}

// Sync has nothing to flush. It still runs the fault hook and counts calls.
func (file *File) Sync() error {
	file.rw.Lock()
	defer file.rw.Unlock()

	if err := file.check("sync", 0, 0); err != nil {
		return err
	}
	file.syncs++
	return nil
}

func (file *File) check(op string, off int64, n int) error {
	if file.fault == nil {
		return nil
	}
	if err := file.fault(op, off, n); err != nil {
		return &fs.PathError{Op: op, Path: "mem", Err: err}
	}
	return nil
}

func (file *File) grow(size int64) error {
	if file.limit > 0 && size > file.limit {
		return &fs.PathError{Op: "write", Path: "mem", Err: syscall.ENOSPC}
	}
	if size <= int64(cap(file.data)) {
		file.data = file.data[:size]
		return nil
	}
	data := make([]byte, size, max(size, 2*int64(cap(file.data))))
	copy(data, file.data)
	file.data = data
	return nil
}
