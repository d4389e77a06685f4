package mem

import (
	"io/fs"
	"sync"
)

// Blob is an in-memory document that is always replaced as a whole.
// It stands in for a map file: ReadMap and WriteMap match the map store
// interface of package cluster.
type Blob struct {
	mu     sync.Mutex
	data   []byte
	saved  bool
	writes int
	fault  func() error
}

// SetFault installs fn to run before every write. A non-nil result fails
// the write and leaves the stored document unchanged.
func (blob *Blob) SetFault(fn func() error) {
	blob.mu.Lock()
	blob.fault = fn
	blob.mu.Unlock()
}

// ReadMap returns a copy of the stored document, or nil if none was written.
func (blob *Blob) ReadMap() ([]byte, error) {
	blob.mu.Lock()
	defer blob.mu.Unlock()
	if !blob.saved {
		return nil, nil
	}
	return append([]byte{}, blob.data...), nil
}

// WriteMap replaces the stored document with a copy of data.
func (blob *Blob) WriteMap(data []byte) error {
	blob.mu.Lock()
	defer blob.mu.Unlock()
	if blob.fault != nil {
		if err := blob.fault(); err != nil {
			return &fs.PathError{Op: "write", Path: "mem", Err: err}
		}
	}
	blob.data = append(blob.data[:0:0], data...)
	blob.saved = true
	blob.writes++
	return nil
}

// Writes returns how many writes succeeded.
func (blob *Blob) Writes() int {
	blob.mu.Lock()
	defer blob.mu.Unlock()
	return blob.writes
}
